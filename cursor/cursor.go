// Package cursor defines the client's bookmark into a store's event log.
package cursor

import (
	"fmt"
	"strconv"
)

// Cursor is a high-water mark: the highest sequence number already consumed.
// The zero value means "from the beginning".
type Cursor struct {
	Seq int64
}

// Zero is the cursor before any event.
var Zero = Cursor{}

// New creates a cursor at the given sequence number.
func New(seq int64) Cursor {
	return Cursor{Seq: seq}
}

// Compare returns -1, 0 or 1 ordering c against other.
func (c Cursor) Compare(other Cursor) int {
	if c.Seq < other.Seq {
		return -1
	}
	if c.Seq > other.Seq {
		return 1
	}
	return 0
}

// IsZero reports whether the cursor is before any event.
func (c Cursor) IsZero() bool {
	return c.Seq == 0
}

// Next returns the sequence number the next event will carry.
func (c Cursor) Next() int64 {
	return c.Seq + 1
}

func (c Cursor) String() string {
	return strconv.FormatInt(c.Seq, 10)
}

// Parse converts a string representation into a Cursor. Empty string and
// "0" both mean Zero.
func Parse(s string) (Cursor, error) {
	if s == "" || s == "0" {
		return Zero, nil
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("invalid cursor string %q: %w", s, err)
	}
	if val < 0 {
		return Zero, fmt.Errorf("invalid cursor string %q: negative sequence", s)
	}

	return Cursor{Seq: val}, nil
}
