package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/feedrelay/internal/relay"
)

func TestNewULID(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewULID())
}

func TestParseULID(t *testing.T) {
	original := NewULID()
	parsed, err := ParseULID(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_ScanValue(t *testing.T) {
	original := NewULID()
	v, err := original.Value()
	require.NoError(t, err)

	var fromString, fromBytes, fromNil ULID
	require.NoError(t, fromString.Scan(v))
	require.NoError(t, fromBytes.Scan([]byte(original.String())))
	require.NoError(t, fromNil.Scan(nil))
	assert.Equal(t, original, fromString)
	assert.Equal(t, original, fromBytes)
	assert.True(t, fromNil.IsZero())
	assert.Error(t, fromNil.Scan(42))

	zero, err := ULID{}.Value()
	require.NoError(t, err)
	assert.Nil(t, zero)
}

func TestULID_JSON(t *testing.T) {
	original := NewULID()
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded ULID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)

	data, err = json.Marshal(ULID{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestNewFeedStatsSnapshot(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	snap := NewFeedStatsSnapshot(relay.Snapshot{
		FeedID:            "1",
		State:             relay.StateRunning,
		FramesSent:        240,
		RateDrops:         360,
		BackpressureDrops: 2,
		LastError:         string(make([]byte, 2000)),
	}, at)

	require.NoError(t, snap.Validate())
	assert.Equal(t, "running", snap.State)
	assert.Equal(t, uint64(240), snap.FramesSent)
	assert.Equal(t, uint64(360), snap.RateDrops)
	assert.Equal(t, time.UTC, snap.CapturedAt.Location())
	assert.Len(t, snap.LastError, 1024)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, (&FeedStatsSnapshot{CapturedAt: time.Now()}).Validate(), ErrFeedIDRequired)
	assert.ErrorIs(t, (&FeedStatsSnapshot{FeedID: "1"}).Validate(), ErrCapturedAtRequired)
	assert.ErrorIs(t, (&FeedTransition{ToState: "running"}).Validate(), ErrFeedIDRequired)

	var verr ErrValidation
	assert.ErrorAs(t, (&FeedTransition{FeedID: "1"}).Validate(), &verr)
	assert.Equal(t, "to", verr.Field)
}
