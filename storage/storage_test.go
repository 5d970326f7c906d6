package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/aklyachkin/syncwire/errors"
)

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name    string
		batch   []PendingEvent
		wantErr bool
	}{
		{
			name:  "empty batch",
			batch: nil,
		},
		{
			name: "single event",
			batch: []PendingEvent{
				{ParentSeqNum: 4, Name: "v1.X"},
			},
		},
		{
			name: "chained batch",
			batch: []PendingEvent{
				{ParentSeqNum: 0, Name: "v1.A"},
				{ParentSeqNum: 1, Name: "v1.B"},
				{ParentSeqNum: 2, Name: "v1.C"},
			},
		},
		{
			name: "broken chain",
			batch: []PendingEvent{
				{ParentSeqNum: 0, Name: "v1.A"},
				{ParentSeqNum: 2, Name: "v1.B"},
			},
			wantErr: true,
		},
		{
			name: "missing name",
			batch: []PendingEvent{
				{ParentSeqNum: 0},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatch(tt.batch)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, syncErrors.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConflictError(t *testing.T) {
	err := ConflictError("store.Append", 3, 7)
	assert.True(t, syncErrors.IsConflict(err))
	assert.Contains(t, err.Error(), "received e3 but expected e7")
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "eventlog_7_s1", TableName(7, "s1"))
	assert.Equal(t, "eventlog_7_my_store_2", TableName(7, "my-store.2"))
	assert.Equal(t, "eventlog_8_s1", TableName(8, "s1"))
}

func TestNumbered(t *testing.T) {
	now := time.Now()
	batch := []PendingEvent{
		{ParentSeqNum: 5, Name: "v1.A", ClientID: "c", SessionID: "s"},
		{ParentSeqNum: 6, Name: "v1.B", ClientID: "c", SessionID: "s"},
	}

	records := Numbered(batch, 5, now)
	require.Len(t, records, 2)
	assert.Equal(t, int64(6), records[0].SeqNum)
	assert.Equal(t, int64(7), records[1].SeqNum)
	assert.Equal(t, int64(6), records[1].ParentSeqNum)
	assert.Equal(t, now, records[0].CreatedAt)
}
