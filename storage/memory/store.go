// Package memory provides an in-memory EventStore for tests and demos.
package memory

import (
	"context"
	stdSync "sync"
	"time"

	"github.com/aklyachkin/syncwire/cursor"
	"github.com/aklyachkin/syncwire/storage"
)

// Store implements storage.EventStore in process memory. Safe for
// concurrent use; nothing survives a restart.
type Store struct {
	mu     stdSync.RWMutex
	logs   map[string][]storage.EventRecord
	closed bool
}

var _ storage.EventStore = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{logs: make(map[string][]storage.EventRecord)}
}

// Append implements storage.EventStore.
func (s *Store) Append(ctx context.Context, storeID string, batch []storage.PendingEvent, createdAt time.Time) ([]storage.EventRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := storage.ValidateBatch(batch); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	log := s.logs[storeID]
	var head int64
	if len(log) > 0 {
		head = log[len(log)-1].SeqNum
	}

	if batch[0].ParentSeqNum != head {
		return nil, storage.ConflictError("memory.Append", batch[0].ParentSeqNum, head)
	}

	records := storage.Numbered(batch, head, createdAt)
	s.logs[storeID] = append(log, records...)
	return records, nil
}

// ReadRange implements storage.EventStore.
func (s *Store) ReadRange(ctx context.Context, storeID string, from cursor.Cursor, limit int) ([]storage.EventRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, storage.ErrStoreClosed
	}

	log := s.logs[storeID]

	// Sequence numbers are 1..N, so the slice offset of seq k is k-1.
	start := int(from.Seq)
	if start < 0 {
		start = 0
	}
	if start > len(log) {
		start = len(log)
	}

	tail := log[start:]
	if limit <= 0 || limit >= len(tail) {
		out := make([]storage.EventRecord, len(tail))
		copy(out, tail)
		return out, 0, nil
	}

	out := make([]storage.EventRecord, limit)
	copy(out, tail[:limit])
	return out, int64(len(tail) - limit), nil
}

// Head implements storage.EventStore.
func (s *Store) Head(ctx context.Context, storeID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrStoreClosed
	}

	log := s.logs[storeID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].SeqNum, nil
}

// Reset implements storage.EventStore.
func (s *Store) Reset(ctx context.Context, storeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	delete(s.logs, storeID)
	return nil
}

// Close implements storage.EventStore.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
