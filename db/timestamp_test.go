package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullTimeScan(t *testing.T) {
	want := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	est := time.FixedZone("EST", -5*3600)

	inputs := []any{
		want.In(est),
		"2026-10-17 12:00:00",
		[]byte("2026-10-17 12:00:00"),
		"2026-10-17T12:00:00Z",
		"2026-10-17 07:00:00-05:00",
	}
	for _, in := range inputs {
		var n NullTime
		require.NoError(t, n.Scan(in), "%v", in)
		assert.True(t, n.Valid)
		assert.True(t, want.Equal(n.Time), "%v -> %v", in, n.Time)
		assert.Equal(t, "2026-10-17 12:00:00", n.String())
	}
}

func TestNullTimeScanNull(t *testing.T) {
	var n NullTime
	require.NoError(t, n.Scan(nil))
	assert.False(t, n.Valid)
	assert.Nil(t, n.Ptr())
	assert.Equal(t, "", n.String())

	require.NoError(t, n.Scan(""))
	assert.False(t, n.Valid)
}

func TestNullTimeScanRejectsGarbage(t *testing.T) {
	var n NullTime
	assert.Error(t, n.Scan("yesterday"))
	assert.Error(t, n.Scan(42))
}
