// Package frame defines the unit of video that flows through a feed pipeline.
package frame

import (
	"fmt"
	"time"
)

// Layout describes how a frame's picture is arranged.
type Layout string

// Layout constants.
const (
	LayoutMono   Layout = "mono"
	LayoutStereo Layout = "stereo" // left and right views side by side
)

// ParseLayout converts a configured format string into a Layout.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case LayoutMono, "":
		return LayoutMono, nil
	case LayoutStereo:
		return LayoutStereo, nil
	default:
		return "", fmt.Errorf("unknown frame format %q (expected mono or stereo)", s)
	}
}

// Encoding describes the representation of a frame's payload.
type Encoding string

// Encoding constants.
const (
	EncodingBGR24 Encoding = "bgr24" // packed 8-bit blue, green, red
	EncodingGray8 Encoding = "gray8"
	EncodingH264  Encoding = "h264" // Annex-B access unit
	EncodingH265  Encoding = "h265" // Annex-B access unit
)

// IsRaw reports whether the payload holds uncompressed pixels.
func (e Encoding) IsRaw() bool {
	return e == EncodingBGR24 || e == EncodingGray8
}

// BytesPerPixel returns the pixel stride of a raw encoding, or 0 for compressed ones.
func (e Encoding) BytesPerPixel() int {
	switch e {
	case EncodingBGR24:
		return 3
	case EncodingGray8:
		return 1
	default:
		return 0
	}
}

// Frame is one decoded picture of a feed.
//
// A Frame is treated as immutable once it leaves the decoder. Stages that change
// a frame produce a new value with its own payload and hand the old one back to
// the garbage collector; at most one stage holds a frame at a time.
type Frame struct {
	FeedID   string
	Sequence uint64
	// Timestamp is the capture (presentation) time relative to the start of
	// the stream.
	Timestamp time.Duration
	// DTS is the decode timestamp, set when HasDTS. Streams with B-frames
	// deliver frames in decode order, where Timestamp is not monotonic.
	DTS        time.Duration
	HasDTS     bool
	ReceivedAt time.Time
	Width      int
	Height     int
	Layout     Layout
	Encoding   Encoding
	Keyframe   bool
	Payload    []byte
}

// WithPayload returns a copy of f carrying payload, keeping all metadata.
func (f *Frame) WithPayload(payload []byte) *Frame {
	out := *f
	out.Payload = payload
	return &out
}

// DecodeTime returns the timestamp that grows monotonically in arrival
// order: DTS when known, otherwise Timestamp.
func (f *Frame) DecodeTime() time.Duration {
	if f.HasDTS {
		return f.DTS
	}
	return f.Timestamp
}

// Retime shifts a frame's timestamps so its decode time becomes at, keeping
// the distance between presentation and decode time.
func (f *Frame) Retime(at time.Duration) *Frame {
	out := *f
	if f.HasDTS {
		out.Timestamp = f.Timestamp + (at - f.DTS)
		out.DTS = at
	} else {
		out.Timestamp = at
	}
	return &out
}

// ExpectedSize returns the payload length a raw frame of these dimensions must have.
// It returns 0 for compressed encodings.
func (f *Frame) ExpectedSize() int {
	return f.Width * f.Height * f.Encoding.BytesPerPixel()
}

// Validate checks that a raw frame's payload matches its dimensions.
func (f *Frame) Validate() error {
	if !f.Encoding.IsRaw() {
		return nil
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d: invalid dimensions %dx%d", f.Sequence, f.Width, f.Height)
	}
	if want := f.ExpectedSize(); len(f.Payload) != want {
		return fmt.Errorf("frame %d: payload is %d bytes, %dx%d %s needs %d",
			f.Sequence, len(f.Payload), f.Width, f.Height, f.Encoding, want)
	}
	return nil
}
