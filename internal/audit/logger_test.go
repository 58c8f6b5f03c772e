package audit_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
)

type recordingStore struct {
	records []model.LogRecord
	err     error
	panics  bool
}

func (s *recordingStore) Available() bool { return true }

func (s *recordingStore) Append(rec model.LogRecord) error {
	if s.panics {
		panic("store blew up")
	}
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func TestAuditWritesRecord(t *testing.T) {
	store := &recordingStore{}
	logger := audit.New(slog.Default(), store)

	logger.Error("entity write failed", audit.Entry{
		Err:      errors.New("disk full"),
		UserUUID: "u1",
		Channel:  "demo",
		Details:  map[string]any{"id": "a1"},
	})

	if len(store.records) != 1 {
		t.Fatalf("expected one record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Level != "error" || rec.Message != "entity write failed" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.UserUUID != "u1" || rec.ChannelName != "demo" || rec.StackTrace != "disk full" {
		t.Fatalf("context not carried: %+v", rec)
	}

	logger.Warn("slow fan-out", audit.Entry{Channel: "demo"})
	if store.records[1].Level != "warning" {
		t.Fatalf("unexpected level: %s", store.records[1].Level)
	}
}

func TestAuditNeverFails(t *testing.T) {
	// The audit sink must swallow its own failures: a broken store, a
	// panicking store and no store at all are all survivable.
	for name, logger := range map[string]*audit.Logger{
		"nil store":       audit.New(slog.Default(), nil),
		"failing store":   audit.New(slog.Default(), &recordingStore{err: errors.New("store down")}),
		"panicking store": audit.New(slog.Default(), &recordingStore{panics: true}),
	} {
		logger.Error(name, audit.Entry{Err: errors.New("boom")})
		logger.Warn(name, audit.Entry{})
	}
}
