package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE_BuildsFromMarkers(t *testing.T) {
	cause := stderrors.New("disk full")
	err := E(Op("store.Append"), Component("storage/sqlite"), KindStorage, cause)

	require.NotNil(t, err)
	assert.Equal(t, Op("store.Append"), err.Op)
	assert.Equal(t, Component("storage/sqlite"), err.Component)
	assert.Equal(t, KindStorage, err.Kind)
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, cause)
}

func TestE_StringWrapsPriorError(t *testing.T) {
	cause := stderrors.New("boom")
	err := E(Op("session.Read"), cause, "decoding frame")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "decoding frame")
}

func TestE_InheritsKindFromWrappedSyncError(t *testing.T) {
	inner := NewConflictError("store.Append", stderrors.New("stale parent"))
	outer := E(Op("coordinator.Push"), inner)

	assert.Equal(t, KindConflict, outer.Kind)
	assert.True(t, IsConflict(outer))
}

func TestRetryability(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindConflict, false},
		{KindValidation, false},
		{KindAuth, false},
		{KindStorage, true},
		{KindTransport, true},
		{KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := E(Op("op"), tt.kind, stderrors.New("x"))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestKindOf_UnwrapsThroughFmtErrorf(t *testing.T) {
	inner := NewAuthError("auth.Verify", stderrors.New("bad token"))
	wrapped := fmt.Errorf("handshake: %w", inner)

	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.True(t, IsAuth(wrapped))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestWrapOpComponent_NilPassthrough(t *testing.T) {
	assert.NoError(t, WrapOpComponent(nil, "op", "comp"))
	assert.NoError(t, WrapOpComponentKind(nil, "op", "comp", KindStorage))
}

func TestErrorString(t *testing.T) {
	err := E(Op("store.ReadRange"), Component("storage/postgres"), KindStorage, stderrors.New("conn refused"))
	msg := err.Error()
	assert.Contains(t, msg, "store.ReadRange")
	assert.Contains(t, msg, "storage/postgres")
	assert.Contains(t, msg, "[storage]")
	assert.Contains(t, msg, "conn refused")
}
