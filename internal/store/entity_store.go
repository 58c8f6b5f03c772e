package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
)

// EntityStore is typed CRUD over a persistent collection keyed by a
// dynamic entity type name. Every method must be a cheap no-op
// returning empty values when the backing store is unreachable; the
// engine never crashes or blocks because persistence is down.
type EntityStore interface {
	Available() bool
	Create(e model.Entity) error
	FindByID(entityType, id, channel string) (model.Entity, bool, error)
	FindByChannel(entityType, channel string) ([]model.Entity, error)
	UpdateByID(entityType, id, channel string, data json.RawMessage, timestamp, serverTimestamp int64) (bool, error)
	DeleteByID(entityType, id, channel string) (bool, error)
	ListKnownTypes() ([]string, error)
}

// Key layout:
//
//	ent:<type>:<channel>:<id>  JSON-encoded entity
//	typ:<type>                 empty marker, registers a known type
//
// Entity types are discovered at runtime, never enumerated statically,
// so the marker keys are the only way to reload every collection for a
// channel on join.
const (
	entityPrefix = "ent:"
	typePrefix   = "typ:"
)

// BadgerStore implements EntityStore on badger. A nil db is legal and
// turns the store into a no-op, which is how the engine degrades when
// the store directory cannot be opened.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// NewBadgerStore wraps an open badger DB. db may be nil.
func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

// Open opens the store directory, returning a no-op store on failure.
func Open(dir string, log *slog.Logger) *BadgerStore {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		log.Warn("store unavailable, running memory-only", "dir", dir, "err", err)
		return &BadgerStore{log: log}
	}
	return &BadgerStore{db: db, log: log}
}

// Close releases the underlying DB, if any.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Available reports whether the backing store is reachable.
func (s *BadgerStore) Available() bool {
	return s.db != nil && !s.db.IsClosed()
}

// escapeKeySegment makes the colon-joined key layout injective. Entity
// types and ids are open-ended client strings, so a literal ":" inside
// a segment would shift the segment boundaries and leak entities
// across (entityType, channel) scopes.
func escapeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, ":", "%3a")
}

func unescapeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "%3a", ":")
	return strings.ReplaceAll(s, "%25", "%")
}

func entityKey(entityType, channel, id string) []byte {
	return []byte(entityPrefix + escapeKeySegment(entityType) + ":" + escapeKeySegment(channel) + ":" + escapeKeySegment(id))
}

// Create upserts the entity and registers its type. Writing the same
// id twice leaves a single record, which is what makes redelivered
// add events idempotent.
func (s *BadgerStore) Create(e model.Entity) error {
	if !s.Available() {
		return nil
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entity %s: %w", e.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entityKey(e.EntityType, e.Channel, e.ID), raw); err != nil {
			return err
		}
		return txn.Set([]byte(typePrefix+escapeKeySegment(e.EntityType)), nil)
	})
}

// FindByID fetches one entity; the second return value reports
// whether it exists.
func (s *BadgerStore) FindByID(entityType, id, channel string) (model.Entity, bool, error) {
	if !s.Available() {
		return model.Entity{}, false, nil
	}

	var out model.Entity
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(entityType, channel, id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &out)
		})
	})
	if err != nil {
		return model.Entity{}, false, err
	}
	return out, found, nil
}

// FindByChannel returns every entity of the given type in the channel,
// sorted by serverTimestamp ascending (id as tie-break).
func (s *BadgerStore) FindByChannel(entityType, channel string) ([]model.Entity, error) {
	if !s.Available() {
		return nil, nil
	}

	var entities []model.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := entityKey(entityType, channel, "")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var e model.Entity
				if err := json.Unmarshal(value, &e); err != nil {
					return err
				}
				entities = append(entities, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(entities, func(a, b model.Entity) int {
		if a.ServerTimestamp != b.ServerTimestamp {
			if a.ServerTimestamp < b.ServerTimestamp {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return entities, nil
}

// UpdateByID replaces the entity's data wholesale (no field merge) and
// stamps the new timestamps. Returns false without writing when the
// entity does not exist.
func (s *BadgerStore) UpdateByID(entityType, id, channel string, data json.RawMessage, timestamp, serverTimestamp int64) (bool, error) {
	if !s.Available() {
		return false, nil
	}

	updated := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := entityKey(entityType, channel, id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var e model.Entity
		if err := item.Value(func(value []byte) error {
			return json.Unmarshal(value, &e)
		}); err != nil {
			return err
		}

		e.Data = data
		e.Timestamp = timestamp
		e.ServerTimestamp = serverTimestamp

		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		updated = true
		return txn.Set(key, raw)
	})
	return updated, err
}

// DeleteByID removes the entity. Returns false when it did not exist.
func (s *BadgerStore) DeleteByID(entityType, id, channel string) (bool, error) {
	if !s.Available() {
		return false, nil
	}

	deleted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := entityKey(entityType, channel, id)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	return deleted, err
}

// ListKnownTypes returns every entity type the store has ever seen,
// sorted for stable snapshots.
func (s *BadgerStore) ListKnownTypes() ([]string, error) {
	if !s.Available() {
		return nil, nil
	}

	var types []string
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(typePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			types = append(types, unescapeKeySegment(string(it.Item().Key()[len(prefix):])))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	types = lo.Uniq(types)
	slices.Sort(types)
	return types, nil
}
