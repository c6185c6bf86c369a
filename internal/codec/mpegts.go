package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// MPEG-TS constants.
const (
	TSPacketSize = 188
	TSSyncByte   = 0x47
	TSVideoPID   = 0x0100

	// TSPacketsPerDatagram is the usual 1316-byte UDP payload.
	TSPacketsPerDatagram = 7

	// tsUnitPackets caps how many packets a stream split returns at once.
	tsUnitPackets = 7
)

type mpegtsCodec struct{}

func (mpegtsCodec) Name() string { return "mpegts" }

func (mpegtsCodec) DecodesRaw() bool { return false }

// Split returns runs of whole, sync-aligned packets. A sync byte only counts
// when the byte one packet later is also a sync byte, unless the stream ended.
func (mpegtsCodec) Split(buf []byte, atEOF bool) (int, []byte, int) {
	start := -1
	for i := 0; i < len(buf); i++ {
		if buf[i] != TSSyncByte {
			continue
		}
		next := i + TSPacketSize
		if next < len(buf) {
			if buf[next] == TSSyncByte {
				start = i
				break
			}
			continue
		}
		if atEOF && next == len(buf) {
			start = i
			break
		}
		// cannot confirm yet
		if i > 0 {
			return i, nil, i
		}
		return 0, nil, 0
	}

	if start < 0 {
		return len(buf), nil, len(buf)
	}
	if start > 0 {
		return start, nil, start
	}

	// buf[0] is a confirmed sync byte; take every packet whose successor is confirmed
	n := 1
	for n < tsUnitPackets {
		next := n * TSPacketSize
		if next+TSPacketSize > len(buf) || buf[next] != TSSyncByte {
			break
		}
		if next+TSPacketSize < len(buf) && buf[next+TSPacketSize] != TSSyncByte {
			break
		}
		n++
	}
	size := n * TSPacketSize
	return size, buf[:size], 0
}

func (mpegtsCodec) Packetize(unit []byte, maxSize int) ([][]byte, error) {
	if len(unit)%TSPacketSize != 0 {
		return nil, fmt.Errorf("unit of %d bytes is not packet aligned", len(unit))
	}
	per := maxSize / TSPacketSize
	if maxSize <= 0 {
		per = TSPacketsPerDatagram
	}
	if per < 1 {
		return nil, fmt.Errorf("%w: datagram size %d below one packet", ErrUnitTooLarge, maxSize)
	}
	chunk := per * TSPacketSize
	out := make([][]byte, 0, (len(unit)+chunk-1)/chunk)
	for off := 0; off < len(unit); off += chunk {
		end := min(off+chunk, len(unit))
		out = append(out, unit[off:end])
	}
	return out, nil
}

func (mpegtsCodec) NewDecoder(info StreamInfo) Decoder {
	return &tsDecoder{info: info}
}

func (mpegtsCodec) NewEncoder(info StreamInfo) Encoder {
	return &tsEncoder{info: info}
}

// ticksToDuration converts 90kHz MPEG-TS ticks.
func ticksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100000 / 9)
}

func durationToTicks(d time.Duration) int64 {
	return int64(d) * 9 / 100000
}

// unitSource hands container units to the pull-based mediacommon reader and
// lets the pusher wait until the reader has consumed everything it was given.
type unitSource struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	waiting bool
	closed  bool
}

func newUnitSource() *unitSource {
	s := &unitSource{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *unitSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 {
		if s.closed {
			return 0, io.EOF
		}
		s.waiting = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	s.waiting = false
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// push queues unit and blocks until the reader is idle again, the source is
// closed, or ctx ends.
func (s *unitSource) push(ctx context.Context, unit []byte) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, unit...)
	s.waiting = false
	s.cond.Broadcast()
	for !s.closed && !(s.waiting && len(s.buf) == 0) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

func (s *unitSource) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *unitSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// tsDecoder runs a mediacommon reader in its own goroutine, fed one unit at a
// time. A fatal reader error restarts the reader at the next unit, which is
// how the decoder resynchronises after corruption.
type tsDecoder struct {
	info StreamInfo

	src     *unitSource
	pending []*frame.Frame
	errs    []error
	fatal   error
	mu      sync.Mutex
	started bool
	width   int
	height  int
}

func (d *tsDecoder) start() {
	d.src = newUnitSource()
	d.fatal = nil
	d.started = true
	go d.run(d.src)
}

func (d *tsDecoder) run(src *unitSource) {
	defer src.close()

	reader := &mpegts.Reader{R: src}
	if err := reader.Initialize(); err != nil {
		d.fail(src, fmt.Errorf("initializing reader: %w", err))
		return
	}

	tracked := false
	for _, track := range reader.Tracks() {
		switch track.Codec.(type) {
		case *mpegts.CodecH264:
			reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
				d.emit(frame.EncodingH264, pts, dts, au, h264.IsRandomAccess(au))
				return nil
			})
			tracked = true
		case *mpegts.CodecH265:
			reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
				d.emit(frame.EncodingH265, pts, dts, au, h265.IsRandomAccess(au))
				return nil
			})
			tracked = true
		}
		if tracked {
			break
		}
	}
	if !tracked {
		d.fail(src, errors.New("no H.264 or H.265 video track"))
		return
	}

	reader.OnDecodeError(func(err error) {
		d.mu.Lock()
		d.errs = append(d.errs, err)
		d.mu.Unlock()
	})

	for {
		if err := reader.Read(); err != nil {
			if !errors.Is(err, io.EOF) {
				d.fail(src, err)
			}
			return
		}
	}
}

func (d *tsDecoder) fail(src *unitSource, err error) {
	if src.isClosed() {
		// Close already tore the reader down
		return
	}
	d.mu.Lock()
	d.fatal = err
	d.mu.Unlock()
}

func (d *tsDecoder) emit(enc frame.Encoding, pts, dts int64, au [][]byte, keyframe bool) {
	payload, err := h264.AnnexB(au).Marshal()
	if err != nil {
		d.mu.Lock()
		d.errs = append(d.errs, fmt.Errorf("marshaling access unit: %w", err))
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if keyframe {
		d.probeDimensions(enc, au)
	}
	w, h := d.width, d.height
	if w == 0 || h == 0 {
		w, h = d.info.Width, d.info.Height
	}
	d.pending = append(d.pending, &frame.Frame{
		FeedID:     d.info.FeedID,
		Timestamp:  ticksToDuration(pts),
		DTS:        ticksToDuration(dts),
		HasDTS:     true,
		ReceivedAt: time.Now(),
		Width:      w,
		Height:     h,
		Layout:     d.info.Layout,
		Encoding:   enc,
		Keyframe:   keyframe,
		Payload:    payload,
	})
}

// probeDimensions reads the picture size from the sequence parameter set.
func (d *tsDecoder) probeDimensions(enc frame.Encoding, au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch enc {
		case frame.EncodingH264:
			if h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
				continue
			}
			var sps h264.SPS
			if sps.Unmarshal(nalu) == nil {
				d.width, d.height = sps.Width(), sps.Height()
			}
		case frame.EncodingH265:
			if h265.NALUType((nalu[0]>>1)&0x3f) != h265.NALUType_SPS_NUT {
				continue
			}
			var sps h265.SPS
			if sps.Unmarshal(nalu) == nil {
				d.width, d.height = sps.Width(), sps.Height()
			}
		}
	}
}

func (d *tsDecoder) Decode(ctx context.Context, unit []byte) ([]*frame.Frame, error) {
	if !d.started {
		d.start()
	}

	pushErr := d.src.push(ctx, unit)

	d.mu.Lock()
	frames := d.pending
	d.pending = nil
	errs := d.errs
	d.errs = nil
	fatal := d.fatal
	d.mu.Unlock()

	if pushErr != nil {
		return frames, &DecodeError{Codec: "mpegts", Err: pushErr}
	}
	if fatal != nil {
		// the reader is gone; the next unit starts a fresh one
		d.started = false
		return frames, &DecodeError{Codec: "mpegts", Err: fatal}
	}
	if len(errs) > 0 {
		return frames, &DecodeError{Codec: "mpegts", Err: errors.Join(errs...)}
	}
	return frames, nil
}

func (d *tsDecoder) Close() error {
	if d.started {
		d.src.close()
		d.started = false
	}
	return nil
}

// paramSets remembers the latest parameter sets so every keyframe written can
// be decoded on its own, even when the frames carrying them were dropped.
type paramSets struct {
	vps, sps, pps []byte
}

func (p *paramSets) observe(enc frame.Encoding, au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if enc == frame.EncodingH265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3f) {
			case h265.NALUType_VPS_NUT:
				p.vps = bytes.Clone(nalu)
			case h265.NALUType_SPS_NUT:
				p.sps = bytes.Clone(nalu)
			case h265.NALUType_PPS_NUT:
				p.pps = bytes.Clone(nalu)
			}
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			p.sps = bytes.Clone(nalu)
		case h264.NALUTypePPS:
			p.pps = bytes.Clone(nalu)
		}
	}
}

func (p *paramSets) prepend(enc frame.Encoding, au [][]byte) [][]byte {
	hasSPS := false
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		if enc == frame.EncodingH265 && h265.NALUType((nalu[0]>>1)&0x3f) == h265.NALUType_SPS_NUT {
			hasSPS = true
		}
		if enc == frame.EncodingH264 && h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeSPS {
			hasSPS = true
		}
	}
	if hasSPS || p.sps == nil || p.pps == nil {
		return au
	}

	out := make([][]byte, 0, len(au)+3)
	if enc == frame.EncodingH265 && p.vps != nil {
		out = append(out, p.vps)
	}
	out = append(out, p.sps, p.pps)
	return append(out, au...)
}

// tsEncoder muxes one video track. The track codec is fixed by the first frame.
type tsEncoder struct {
	info StreamInfo

	buf      bytes.Buffer
	writer   *mpegts.Writer
	track    *mpegts.Track
	encoding frame.Encoding
	params   paramSets
}

func (e *tsEncoder) init(enc frame.Encoding) error {
	e.track = &mpegts.Track{PID: TSVideoPID}
	switch enc {
	case frame.EncodingH264:
		e.track.Codec = &mpegts.CodecH264{}
	case frame.EncodingH265:
		e.track.Codec = &mpegts.CodecH265{}
	default:
		return fmt.Errorf("cannot mux %s frames", enc)
	}
	e.writer = &mpegts.Writer{W: &e.buf, Tracks: []*mpegts.Track{e.track}}
	if err := e.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing writer: %w", err)
	}
	e.encoding = enc
	return nil
}

func (e *tsEncoder) Encode(_ context.Context, f *frame.Frame) ([]byte, error) {
	if e.writer == nil {
		if err := e.init(f.Encoding); err != nil {
			return nil, &EncodeError{Codec: "mpegts", Err: err}
		}
	}
	if f.Encoding != e.encoding {
		return nil, &EncodeError{Codec: "mpegts", Err: fmt.Errorf("stream is %s, frame is %s", e.encoding, f.Encoding)}
	}

	var au h264.AnnexB
	if err := au.Unmarshal(f.Payload); err != nil {
		return nil, &EncodeError{Codec: "mpegts", Err: fmt.Errorf("parsing access unit: %w", err)}
	}
	nalus := [][]byte(au)
	e.params.observe(e.encoding, nalus)
	if f.Keyframe {
		nalus = e.params.prepend(e.encoding, nalus)
	}

	pts := durationToTicks(f.Timestamp)
	dts := pts
	if f.HasDTS {
		dts = durationToTicks(f.DTS)
	}
	var err error
	if e.encoding == frame.EncodingH265 {
		err = e.writer.WriteH265(e.track, pts, dts, nalus)
	} else {
		err = e.writer.WriteH264(e.track, pts, dts, nalus)
	}
	if err != nil {
		e.buf.Reset()
		return nil, &EncodeError{Codec: "mpegts", Err: err}
	}

	out := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()
	return out, nil
}

func (e *tsEncoder) Close() error { return nil }

func init() {
	Register(mpegtsCodec{})
}
