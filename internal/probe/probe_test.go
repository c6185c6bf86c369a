package probe

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/feedrelay/internal/codec"
	"github.com/jmylchreest/feedrelay/internal/frame"
	"github.com/jmylchreest/feedrelay/internal/simulator"
)

// capture encodes n synthetic H.264 frames at 25 fps into a transport stream.
func capture(t *testing.T, n int) []byte {
	t.Helper()
	c, err := codec.Lookup("mpegts")
	require.NoError(t, err)

	info := codec.StreamInfo{FeedID: "cap", Width: 640, Height: 480, FPS: 25, Layout: frame.LayoutMono}
	enc := c.NewEncoder(info)
	defer enc.Close()

	pattern := simulator.NewPattern(info, true)
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		unit, err := enc.Encode(context.Background(), pattern.Next())
		require.NoError(t, err)
		buf.Write(unit)
	}
	return buf.Bytes()
}

func TestProbe_SummarisesH264Capture(t *testing.T) {
	data := capture(t, 26)

	sum, err := Probe(context.Background(), bytes.NewReader(data), Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), sum.Bytes)
	assert.Equal(t, int64(len(data)/188), sum.Packets)
	require.NotEmpty(t, sum.Programs)

	require.Len(t, sum.Streams, 1)
	s := sum.Streams[0]
	assert.Equal(t, "h264", s.Codec)
	assert.Equal(t, uint8(0x1b), s.StreamType)
	assert.GreaterOrEqual(t, s.PESCount, 25)
	assert.Positive(t, s.Bytes)
	assert.InDelta(t, 25.0, s.FPS, 0.5)
	assert.Greater(t, s.Duration(), 900*time.Millisecond)
}

func TestProbe_MaxPES(t *testing.T) {
	sum, err := Probe(context.Background(), bytes.NewReader(capture(t, 20)), Options{MaxPES: 5})
	require.NoError(t, err)
	require.Len(t, sum.Streams, 1)
	assert.Equal(t, 5, sum.Streams[0].PESCount)
}

func TestProbe_Empty(t *testing.T) {
	sum, err := Probe(context.Background(), bytes.NewReader(nil), Options{})
	require.NoError(t, err)
	assert.Empty(t, sum.Streams)
	assert.Zero(t, sum.Packets)
}

func TestCodecName(t *testing.T) {
	assert.Equal(t, "h264", codecName(0x1b))
	assert.Equal(t, "h265", codecName(0x24))
	assert.Equal(t, "0x99", codecName(0x99))
	assert.True(t, isVideo(0x24))
	assert.False(t, isVideo(0x0f))
}
