package simulator

import (
	"time"

	"github.com/jmylchreest/feedrelay/internal/codec"
	"github.com/jmylchreest/feedrelay/internal/frame"
)

// gopLength is the keyframe interval of synthetic compressed streams.
const gopLength = 30

// Baseline profile parameter sets shared by every synthetic H.264 stream.
var (
	h264SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	h264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// Pattern produces the frames of one synthetic feed: moving colour bars for
// raw codecs and placeholder H.264 access units for compressed ones. Stereo
// feeds carry two views side by side, the right one shifted.
type Pattern struct {
	info       codec.StreamInfo
	compressed bool
	interval   time.Duration
	seq        uint64
}

// NewPattern creates a pattern for a feed. compressed selects H.264 access
// units instead of BGR24 pixels.
func NewPattern(info codec.StreamInfo, compressed bool) *Pattern {
	interval := time.Second / 30
	if info.FPS > 0 {
		interval = time.Duration(float64(time.Second) / info.FPS)
	}
	return &Pattern{info: info, compressed: compressed, interval: interval}
}

// Interval is the time between frames.
func (p *Pattern) Interval() time.Duration {
	return p.interval
}

// Next returns the next frame.
func (p *Pattern) Next() *frame.Frame {
	seq := p.seq
	p.seq++

	f := &frame.Frame{
		FeedID:    p.info.FeedID,
		Sequence:  seq,
		Timestamp: time.Duration(seq) * p.interval,
		Width:     p.info.Width,
		Height:    p.info.Height,
		Layout:    p.info.Layout,
	}
	if p.compressed {
		f.Encoding = frame.EncodingH264
		f.Keyframe = seq%gopLength == 0
		f.Payload = p.accessUnit(seq, f.Keyframe)
		return f
	}
	f.Encoding = frame.EncodingBGR24
	f.Keyframe = true
	f.Payload = p.bars(seq)
	return f
}

var barColours = [][3]byte{
	{255, 255, 255}, {0, 255, 255}, {255, 255, 0}, {0, 255, 0},
	{255, 0, 255}, {0, 0, 255}, {255, 0, 0}, {0, 0, 0},
}

// bars draws eight vertical bars scrolling one pixel per frame.
func (p *Pattern) bars(seq uint64) []byte {
	w, h := p.info.Width, p.info.Height
	buf := make([]byte, w*h*3)

	viewWidth := w
	if p.info.Layout == frame.LayoutStereo && w >= 2 {
		viewWidth = w / 2
	}
	barWidth := max(viewWidth/len(barColours), 1)

	for x := 0; x < w; x++ {
		vx := x % viewWidth
		shift := int(seq % uint64(viewWidth)) //nolint:gosec // bounded by width
		if x >= viewWidth {
			// right view is offset to give the pair a visible disparity
			shift += barWidth / 2
		}
		c := barColours[((vx+shift)/barWidth)%len(barColours)]
		for y := 0; y < h; y++ {
			i := (y*w + x) * 3
			buf[i], buf[i+1], buf[i+2] = c[0], c[1], c[2]
		}
	}
	return buf
}

func (p *Pattern) accessUnit(seq uint64, keyframe bool) []byte {
	counter := []byte{byte(seq >> 8), byte(seq)}
	if keyframe {
		idr := append([]byte{0x65, 0x88, 0x84, 0x00}, counter...)
		return annexB(h264SPS, h264PPS, idr)
	}
	return annexB(append([]byte{0x41, 0x9a, 0x24}, counter...))
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}
