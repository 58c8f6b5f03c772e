package store

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
)

// LogStore persists diagnostic records. Append-only; the engine never
// reads them back.
type LogStore interface {
	Available() bool
	Append(rec model.LogRecord) error
}

// Append writes one log record. The key embeds the zero-padded
// timestamp so records sort chronologically under a prefix scan, with
// a uuid suffix as a collision disconnector for same-millisecond
// records.
func (s *BadgerStore) Append(rec model.LogRecord) error {
	if !s.Available() {
		return nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}

	key := fmt.Sprintf("log:%019d:%s", rec.Timestamp, uuid.NewString())
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}
