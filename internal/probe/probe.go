// Package probe inspects MPEG transport stream captures.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/asticode/go-astits"
)

// pesClock is the 90 kHz PES timestamp clock.
const pesClock = 90000

// Program is one entry of the program association table.
type Program struct {
	Number uint16 `json:"number" yaml:"number"`
	PMTPID uint16 `json:"pmt_pid" yaml:"pmt_pid"`
}

// Stream summarises one elementary stream.
type Stream struct {
	PID        uint16        `json:"pid" yaml:"pid"`
	Program    uint16        `json:"program" yaml:"program"`
	StreamType uint8         `json:"stream_type" yaml:"stream_type"`
	Codec      string        `json:"codec" yaml:"codec"`
	PESCount   int           `json:"pes_count" yaml:"pes_count"`
	Bytes      int           `json:"bytes" yaml:"bytes"`
	FirstPTS   time.Duration `json:"first_pts" yaml:"first_pts"`
	LastPTS    time.Duration `json:"last_pts" yaml:"last_pts"`
	// FPS is estimated from the PES timestamps of video streams.
	FPS float64 `json:"fps,omitempty" yaml:"fps,omitempty"`

	havePTS bool
}

// Duration is the span between the first and last PES timestamp.
func (s Stream) Duration() time.Duration {
	return s.LastPTS - s.FirstPTS
}

// Summary is the result of probing a capture.
type Summary struct {
	Bytes    int64     `json:"bytes" yaml:"bytes"`
	Packets  int64     `json:"packets" yaml:"packets"`
	Programs []Program `json:"programs" yaml:"programs"`
	Streams  []Stream  `json:"streams" yaml:"streams"`
}

// Options bound the amount of data probed.
type Options struct {
	// MaxPES stops after this many PES packets. Zero reads to the end.
	MaxPES int
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Probe reads a transport stream from r and summarises its programs and
// elementary streams.
func Probe(ctx context.Context, r io.Reader, opts Options) (*Summary, error) {
	cr := &countingReader{r: r}
	dmx := astits.NewDemuxer(ctx, cr)

	sum := &Summary{}
	streams := make(map[uint16]*Stream)
	pes := 0

	for opts.MaxPES == 0 || pes < opts.MaxPES {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("demuxing transport stream: %w", err)
		}

		switch {
		case d.PAT != nil:
			sum.Programs = sum.Programs[:0]
			for _, p := range d.PAT.Programs {
				sum.Programs = append(sum.Programs, Program{Number: p.ProgramNumber, PMTPID: p.ProgramMapID})
			}
		case d.PMT != nil:
			for _, es := range d.PMT.ElementaryStreams {
				s, ok := streams[es.ElementaryPID]
				if !ok {
					s = &Stream{PID: es.ElementaryPID}
					streams[es.ElementaryPID] = s
				}
				s.Program = d.PMT.ProgramNumber
				s.StreamType = uint8(es.StreamType)
				s.Codec = codecName(s.StreamType)
			}
		case d.PES != nil:
			pes++
			s, ok := streams[d.PID]
			if !ok {
				s = &Stream{PID: d.PID, Codec: "unknown"}
				streams[d.PID] = s
			}
			s.PESCount++
			s.Bytes += len(d.PES.Data)
			if h := d.PES.Header; h != nil && h.OptionalHeader != nil && h.OptionalHeader.PTS != nil {
				pts := time.Duration(h.OptionalHeader.PTS.Base) * time.Second / pesClock
				if !s.havePTS {
					s.FirstPTS = pts
					s.havePTS = true
				}
				s.LastPTS = pts
			}
		}
	}

	for _, s := range streams {
		if isVideo(s.StreamType) && s.PESCount > 1 && s.Duration() > 0 {
			s.FPS = float64(s.PESCount-1) / s.Duration().Seconds()
		}
		sum.Streams = append(sum.Streams, *s)
	}
	sort.Slice(sum.Streams, func(i, j int) bool { return sum.Streams[i].PID < sum.Streams[j].PID })

	sum.Bytes = cr.n
	sum.Packets = cr.n / 188
	return sum, nil
}

func codecName(streamType uint8) string {
	switch streamType {
	case 0x01:
		return "mpeg1video"
	case 0x02:
		return "mpeg2video"
	case 0x03, 0x04:
		return "mpeg audio"
	case 0x0f:
		return "aac"
	case 0x10:
		return "mpeg4video"
	case 0x1b:
		return "h264"
	case 0x24:
		return "h265"
	case 0x81:
		return "ac3"
	case 0x06:
		return "private"
	default:
		return fmt.Sprintf("0x%02x", streamType)
	}
}

func isVideo(streamType uint8) bool {
	switch streamType {
	case 0x01, 0x02, 0x10, 0x1b, 0x24:
		return true
	}
	return false
}
