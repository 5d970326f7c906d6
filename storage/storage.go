// Package storage defines the Event Store contract: a durable, per-store
// append-only log keyed by a gap-free monotonic sequence number.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aklyachkin/syncwire/cursor"
	syncErrors "github.com/aklyachkin/syncwire/errors"
)

// PendingEvent is a client-submitted event before the server assigns its
// sequence number.
type PendingEvent struct {
	ParentSeqNum int64
	Name         string
	Args         json.RawMessage
	ClientID     string
	SessionID    string
}

// EventRecord is a persisted event. SeqNum values within a store are exactly
// 1..N with no gaps or duplicates.
type EventRecord struct {
	SeqNum       int64
	ParentSeqNum int64
	Name         string
	Args         json.RawMessage
	CreatedAt    time.Time
	ClientID     string
	SessionID    string
}

// ErrStoreClosed is returned once Close has been called.
var ErrStoreClosed = errors.New("event store is closed")

// EventStore is the persistence contract for per-store append-only logs.
// Stores are created lazily on first touch.
type EventStore interface {
	// Append validates parent continuity against the store's actual head,
	// assigns consecutive sequence numbers starting at head+1, persists the
	// batch atomically and returns the numbered records. A stale
	// ParentSeqNum on the first event yields a conflict error
	// (errors.IsConflict); intra-batch discontinuity yields a validation
	// error. Neither mutates stored state.
	Append(ctx context.Context, storeID string, batch []PendingEvent, createdAt time.Time) ([]EventRecord, error)

	// ReadRange returns events with SeqNum > from in ascending order, capped
	// at limit, and the count of further events beyond the returned page.
	// Successive calls with advancing cursors never skip or duplicate.
	ReadRange(ctx context.Context, storeID string, from cursor.Cursor, limit int) ([]EventRecord, int64, error)

	// Head returns the highest persisted sequence number, zero for an empty
	// or absent store.
	Head(ctx context.Context, storeID string) (int64, error)

	// Reset destructively clears the log and restarts numbering from zero.
	Reset(ctx context.Context, storeID string) error

	Close() error
}

// ValidateBatch checks intra-batch parent chaining: event k's ParentSeqNum
// must be exactly one less than event k+1's. Absolute numbering against the
// store head is the implementation's job inside its append transaction.
func ValidateBatch(batch []PendingEvent) error {
	for i, ev := range batch {
		if ev.Name == "" {
			return syncErrors.NewValidationError("storage.ValidateBatch",
				fmt.Errorf("event %d has empty name", i))
		}
		if i == 0 {
			continue
		}
		if ev.ParentSeqNum != batch[i-1].ParentSeqNum+1 {
			return syncErrors.NewValidationError("storage.ValidateBatch",
				fmt.Errorf("event %d parent %d breaks batch continuity (expected %d)",
					i, ev.ParentSeqNum, batch[i-1].ParentSeqNum+1))
		}
	}
	return nil
}

// ConflictError builds the typed conflict for a stale parent sequence number.
func ConflictError(op syncErrors.Op, got, expected int64) error {
	return syncErrors.E(op, syncErrors.Component("store"), syncErrors.KindConflict,
		fmt.Errorf("invalid parent event number: received e%d but expected e%d", got, expected),
		map[string]interface{}{"received": got, "expected": expected})
}

var unsafeTableChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

// TableName derives the per-store table name. The persistence format version
// prefixes the name so a bump abandons old logs instead of migrating them.
func TableName(formatVersion int, storeID string) string {
	safe := unsafeTableChars.ReplaceAllString(storeID, "_")
	return fmt.Sprintf("eventlog_%d_%s", formatVersion, safe)
}

// Numbered assigns consecutive sequence numbers starting at head+1 and stamps
// createdAt, turning a validated pending batch into records ready to insert.
func Numbered(batch []PendingEvent, head int64, createdAt time.Time) []EventRecord {
	records := make([]EventRecord, len(batch))
	for i, ev := range batch {
		records[i] = EventRecord{
			SeqNum:       head + int64(i) + 1,
			ParentSeqNum: ev.ParentSeqNum,
			Name:         ev.Name,
			Args:         ev.Args,
			CreatedAt:    createdAt,
			ClientID:     ev.ClientID,
			SessionID:    ev.SessionID,
		}
	}
	return records
}
