package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	v1 := New(1)
	v2 := New(2)
	v3 := New(1)

	assert.Equal(t, -1, v1.Compare(v2))
	assert.Equal(t, 1, v2.Compare(v1))
	assert.Equal(t, 0, v1.Compare(v3))
}

func TestIsZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
	assert.False(t, New(1).IsZero())
}

func TestNext(t *testing.T) {
	assert.Equal(t, int64(1), Zero.Next())
	assert.Equal(t, int64(42), New(41).Next())
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Cursor
		wantErr bool
	}{
		{"", Zero, false},
		{"0", Zero, false},
		{"7", New(7), false},
		{"9223372036854775807", New(9223372036854775807), false},
		{"-1", Zero, true},
		{"abc", Zero, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	c := New(123)
	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}
