package rcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignAndValidate(t *testing.T) {
	params := map[string]any{
		"meetingID": "room-1",
		"fullName":  "Alice",
	}

	sum := Sign(params, "secret", "rejoin")
	assert.True(t, Validate(params, sum, "secret", "rejoin"))

	t.Run("key order does not matter", func(t *testing.T) {
		reordered := map[string]any{
			"fullName":  "Alice",
			"meetingID": "room-1",
		}
		assert.Equal(t, sum, Sign(reordered, "secret", "rejoin"))
	})

	t.Run("checksum key is excluded from signing", func(t *testing.T) {
		withChecksum := map[string]any{
			"meetingID": "room-1",
			"fullName":  "Alice",
			"checksum":  sum,
		}
		assert.True(t, Validate(withChecksum, sum, "secret", "rejoin"))
	})

	t.Run("wrong salt rejected", func(t *testing.T) {
		assert.False(t, Validate(params, sum, "secret", "getRecordings"))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		assert.False(t, Validate(params, sum, "other", "rejoin"))
	})

	t.Run("tampered params rejected", func(t *testing.T) {
		tampered := map[string]any{
			"meetingID": "room-2",
			"fullName":  "Alice",
		}
		assert.False(t, Validate(tampered, sum, "secret", "rejoin"))
	})
}

func TestNonStringValues(t *testing.T) {
	params := map[string]any{
		"recordings": []string{"r1", "r2"},
	}
	sum := Sign(params, "secret", "getRecordings")
	assert.True(t, Validate(params, sum, "secret", "getRecordings"))

	// A []any with the same content signs identically (JSON rendering).
	alias := map[string]any{
		"recordings": []any{"r1", "r2"},
	}
	assert.Equal(t, sum, Sign(alias, "secret", "getRecordings"))
}

func TestTimeWindow(t *testing.T) {
	params := map[string]any{"q": "x"}

	sum := SignWithTime(params, "secret", "getServers", time.Hour)
	assert.True(t, ValidateWithTime(params, sum, "secret", "getServers", time.Hour))

	// A signature from a long-expired window fails.
	old := signAt(params, "secret", "getServers", time.Second, time.Now().Add(-time.Minute))
	assert.False(t, ValidateWithTime(params, old, "secret", "getServers", time.Second))

	// The immediately preceding window is still accepted.
	prev := signAt(params, "secret", "getServers", time.Hour, time.Now().Add(-time.Hour))
	assert.True(t, ValidateWithTime(params, prev, "secret", "getServers", time.Hour))
}
