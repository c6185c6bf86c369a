package codec

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/feedrelay/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	c, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "mpegts", c.Name())
	assert.False(t, c.DecodesRaw())

	c, err = Lookup("RAW")
	require.NoError(t, err)
	assert.Equal(t, "raw", c.Name())
	assert.True(t, c.DecodesRaw())

	_, err = Lookup("mjpeg")
	assert.Error(t, err)

	assert.Equal(t, []string{"mpegts", "raw"}, Names())
}

func rawTestFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		FeedID:    "cam",
		Sequence:  seq,
		Timestamp: time.Duration(seq) * 40 * time.Millisecond,
		Width:     4,
		Height:    2,
		Layout:    frame.LayoutStereo,
		Encoding:  frame.EncodingBGR24,
		Keyframe:  seq%10 == 0,
		Payload:   bytes.Repeat([]byte{byte(seq)}, 4*2*3),
	}
}

func TestRaw_SplitAndDecode(t *testing.T) {
	c, err := Lookup("raw")
	require.NoError(t, err)

	var stream []byte
	for i := uint64(0); i < 3; i++ {
		unit, err := MarshalRaw(rawTestFrame(i))
		require.NoError(t, err)
		stream = append(stream, unit...)
	}

	dec := c.NewDecoder(StreamInfo{FeedID: "cam"})
	var got []*frame.Frame
	buf := stream
	for len(buf) > 0 {
		advance, unit, discarded := c.Split(buf, false)
		require.Zero(t, discarded)
		require.NotZero(t, advance)
		frames, err := dec.Decode(context.Background(), unit)
		require.NoError(t, err)
		got = append(got, frames...)
		buf = buf[advance:]
	}

	require.Len(t, got, 3)
	for i, f := range got {
		want := rawTestFrame(uint64(i))
		assert.Equal(t, want.Sequence, f.Sequence)
		assert.Equal(t, want.Timestamp, f.Timestamp)
		assert.Equal(t, want.Layout, f.Layout)
		assert.Equal(t, want.Keyframe, f.Keyframe)
		assert.Equal(t, want.Payload, f.Payload)
		assert.Equal(t, "cam", f.FeedID)
	}
}

func TestRaw_SplitNeedsMoreData(t *testing.T) {
	unit, err := MarshalRaw(rawTestFrame(1))
	require.NoError(t, err)

	advance, token, discarded := rawCodec{}.Split(unit[:rawHeaderSize+3], false)
	assert.Zero(t, advance)
	assert.Nil(t, token)
	assert.Zero(t, discarded)
}

func TestRaw_SplitResynchronises(t *testing.T) {
	unit, err := MarshalRaw(rawTestFrame(1))
	require.NoError(t, err)
	buf := append([]byte("garbage!"), unit...)

	advance, token, discarded := rawCodec{}.Split(buf, false)
	assert.Equal(t, 8, advance)
	assert.Nil(t, token)
	assert.Equal(t, 8, discarded)

	advance, token, discarded = rawCodec{}.Split(buf[advance:], false)
	assert.Equal(t, len(unit), advance)
	assert.Equal(t, unit, token)
	assert.Zero(t, discarded)
}

func TestRaw_DecodeRejectsTruncatedUnit(t *testing.T) {
	unit, err := MarshalRaw(rawTestFrame(1))
	require.NoError(t, err)

	_, err = rawCodec{}.NewDecoder(StreamInfo{}).Decode(context.Background(), unit[:len(unit)-1])
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestRaw_EncoderConformsGeometry(t *testing.T) {
	enc := rawCodec{}.NewEncoder(StreamInfo{Width: 2, Height: 1})
	out, err := enc.Encode(context.Background(), rawTestFrame(3))
	require.NoError(t, err)

	f, err := unmarshalRaw(out)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 1, f.Height)
	assert.Len(t, f.Payload, 2*1*3)
	assert.Equal(t, uint64(3), f.Sequence)
}

func TestRaw_PacketizeLimit(t *testing.T) {
	parts, err := rawCodec{}.Packetize(make([]byte, 100), 1316)
	require.NoError(t, err)
	assert.Len(t, parts, 1)

	_, err = rawCodec{}.Packetize(make([]byte, 2000), 1316)
	assert.ErrorIs(t, err, ErrUnitTooLarge)
}

func TestMPEGTS_Packetize(t *testing.T) {
	unit := make([]byte, 10*TSPacketSize)
	parts, err := mpegtsCodec{}.Packetize(unit, 1316)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 7*TSPacketSize)
	assert.Len(t, parts[1], 3*TSPacketSize)

	_, err = mpegtsCodec{}.Packetize(make([]byte, 100), 1316)
	assert.Error(t, err)
}

func tsPackets(n int) []byte {
	buf := make([]byte, n*TSPacketSize)
	for i := 0; i < n; i++ {
		buf[i*TSPacketSize] = TSSyncByte
	}
	return buf
}

func TestMPEGTS_SplitAlignsOnSyncBytes(t *testing.T) {
	stream := append([]byte{0x00, 0x47, 0x13}, tsPackets(3)...)

	advance, unit, discarded := mpegtsCodec{}.Split(stream, false)
	assert.Equal(t, 3, advance)
	assert.Nil(t, unit)
	assert.Equal(t, 3, discarded)

	advance, unit, discarded = mpegtsCodec{}.Split(stream[3:], false)
	assert.Zero(t, discarded)
	assert.Equal(t, 3*TSPacketSize, advance)
	assert.Len(t, unit, 3*TSPacketSize)
}

func TestMPEGTS_SplitWaitsForConfirmation(t *testing.T) {
	advance, unit, discarded := mpegtsCodec{}.Split(tsPackets(1)[:100], false)
	assert.Zero(t, advance)
	assert.Nil(t, unit)
	assert.Zero(t, discarded)

	advance, unit, _ = mpegtsCodec{}.Split(tsPackets(1), true)
	assert.Equal(t, TSPacketSize, advance)
	assert.Len(t, unit, TSPacketSize)
}

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff}
	testP   = []byte{0x41, 0x9a, 0x24, 0x6c, 0x41}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func h264Frame(i int) *frame.Frame {
	f := &frame.Frame{
		FeedID:    "ts",
		Sequence:  uint64(i),
		Timestamp: time.Duration(i) * 40 * time.Millisecond,
		Width:     640,
		Height:    480,
		Encoding:  frame.EncodingH264,
	}
	if i%5 == 0 {
		f.Keyframe = true
		f.Payload = annexB(testSPS, testPPS, testIDR)
	} else {
		f.Payload = annexB(testP)
	}
	return f
}

func TestMPEGTS_EncodeDecode(t *testing.T) {
	c, err := Lookup("mpegts")
	require.NoError(t, err)

	info := StreamInfo{FeedID: "ts", Width: 640, Height: 480, Layout: frame.LayoutMono}
	enc := c.NewEncoder(info)
	dec := c.NewDecoder(info)
	defer dec.Close()

	ctx := context.Background()
	var got []*frame.Frame
	for i := 0; i < 10; i++ {
		unit, err := enc.Encode(ctx, h264Frame(i))
		require.NoError(t, err)
		require.NotEmpty(t, unit)
		require.Zero(t, len(unit)%TSPacketSize)

		frames, err := dec.Decode(ctx, unit)
		require.NoError(t, err)
		got = append(got, frames...)
	}

	// the last access unit completes only when the next one starts
	require.GreaterOrEqual(t, len(got), 9)
	assert.True(t, got[0].Keyframe)
	assert.Equal(t, frame.EncodingH264, got[0].Encoding)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, 40*time.Millisecond, got[i].Timestamp-got[i-1].Timestamp)
		assert.Equal(t, "ts", got[i].FeedID)
	}
}

func TestMPEGTS_PreservesDecodeTimestamps(t *testing.T) {
	c, err := Lookup("mpegts")
	require.NoError(t, err)

	info := StreamInfo{FeedID: "ts", Width: 640, Height: 480}
	enc := c.NewEncoder(info)
	dec := c.NewDecoder(info)
	defer dec.Close()

	const reorder = 80 * time.Millisecond
	ctx := context.Background()
	var got []*frame.Frame
	for i := 0; i < 10; i++ {
		f := h264Frame(i)
		f.DTS = f.Timestamp
		f.HasDTS = true
		f.Timestamp += reorder

		unit, err := enc.Encode(ctx, f)
		require.NoError(t, err)
		frames, err := dec.Decode(ctx, unit)
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.GreaterOrEqual(t, len(got), 9)
	for i, f := range got {
		require.True(t, f.HasDTS)
		assert.Equal(t, reorder, f.Timestamp-f.DTS, "frame %d", i)
		if i > 0 {
			assert.Equal(t, 40*time.Millisecond, f.DTS-got[i-1].DTS)
		}
	}
}

func TestMPEGTS_EncodeRejectsRawFrames(t *testing.T) {
	enc := mpegtsCodec{}.NewEncoder(StreamInfo{})
	_, err := enc.Encode(context.Background(), rawTestFrame(1))

	var ee *EncodeError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "mpegts", ee.Codec)
}

func TestMPEGTS_KeyframeGetsParameterSets(t *testing.T) {
	var p paramSets
	p.observe(frame.EncodingH264, [][]byte{testSPS, testPPS, testIDR})

	au := p.prepend(frame.EncodingH264, [][]byte{testIDR})
	require.Len(t, au, 3)
	assert.Equal(t, testSPS, au[0])
	assert.Equal(t, testPPS, au[1])

	au = p.prepend(frame.EncodingH264, [][]byte{testSPS, testPPS, testIDR})
	assert.Len(t, au, 3, "parameter sets are not duplicated")
}

func TestMPEGTS_DecodeHonoursContext(t *testing.T) {
	dec := mpegtsCodec{}.NewDecoder(StreamInfo{})
	defer dec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dec.Decode(ctx, tsPackets(1))
	assert.Error(t, err)
}

func TestTicksConversion(t *testing.T) {
	assert.Equal(t, int64(3600), durationToTicks(40*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, ticksToDuration(3600))
}
