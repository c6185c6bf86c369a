package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// Raw container layout, big endian:
//
//	0  magic "FRW1"
//	4  flags (bit 0 keyframe, bit 1 stereo)
//	5  encoding (0 bgr24, 1 gray8, 2 h264, 3 h265)
//	6  reserved
//	8  sequence number
//	16 capture timestamp, nanoseconds
//	24 width
//	26 height
//	28 payload length
//	32 payload
const (
	rawHeaderSize = 32
	rawMaxPayload = 64 << 20

	rawFlagKeyframe = 1 << 0
	rawFlagStereo   = 1 << 1
)

var rawMagic = []byte("FRW1")

var rawEncodings = []frame.Encoding{
	frame.EncodingBGR24,
	frame.EncodingGray8,
	frame.EncodingH264,
	frame.EncodingH265,
}

func rawEncodingID(e frame.Encoding) (byte, bool) {
	for i, candidate := range rawEncodings {
		if candidate == e {
			return byte(i), true
		}
	}
	return 0, false
}

type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) DecodesRaw() bool { return true }

func (rawCodec) Split(buf []byte, atEOF bool) (int, []byte, int) {
	start := bytes.Index(buf, rawMagic)
	if start < 0 {
		// keep a possible partial magic at the tail
		keep := min(len(buf), len(rawMagic)-1)
		if atEOF {
			keep = 0
		}
		discard := len(buf) - keep
		return discard, nil, discard
	}
	if start > 0 {
		return start, nil, start
	}
	if len(buf) < rawHeaderSize {
		return 0, nil, 0
	}

	size := binary.BigEndian.Uint32(buf[28:32])
	if size > rawMaxPayload {
		// not a real header; skip the magic and hunt for the next one
		return 1, nil, 1
	}
	total := rawHeaderSize + int(size)
	if len(buf) < total {
		if atEOF {
			return len(buf), nil, len(buf)
		}
		return 0, nil, 0
	}
	return total, buf[:total], 0
}

func (rawCodec) Packetize(unit []byte, maxSize int) ([][]byte, error) {
	if maxSize > 0 && len(unit) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrUnitTooLarge, len(unit), maxSize)
	}
	return [][]byte{unit}, nil
}

func (rawCodec) NewDecoder(info StreamInfo) Decoder {
	return &rawDecoder{info: info}
}

func (rawCodec) NewEncoder(info StreamInfo) Encoder {
	return &rawEncoder{info: info}
}

type rawDecoder struct {
	info StreamInfo
}

func (d *rawDecoder) Decode(_ context.Context, unit []byte) ([]*frame.Frame, error) {
	f, err := unmarshalRaw(unit)
	if err != nil {
		return nil, &DecodeError{Codec: "raw", Err: err}
	}
	f.FeedID = d.info.FeedID
	f.ReceivedAt = time.Now()
	return []*frame.Frame{f}, nil
}

func (d *rawDecoder) Close() error { return nil }

func unmarshalRaw(unit []byte) (*frame.Frame, error) {
	if len(unit) < rawHeaderSize || !bytes.Equal(unit[:4], rawMagic) {
		return nil, errors.New("missing raw frame header")
	}
	size := int(binary.BigEndian.Uint32(unit[28:32]))
	if len(unit) != rawHeaderSize+size {
		return nil, fmt.Errorf("payload length %d does not match unit size %d", size, len(unit)-rawHeaderSize)
	}
	encID := int(unit[5])
	if encID >= len(rawEncodings) {
		return nil, fmt.Errorf("unknown encoding id %d", encID)
	}

	flags := unit[4]
	f := &frame.Frame{
		Sequence:  binary.BigEndian.Uint64(unit[8:16]),
		Timestamp: time.Duration(binary.BigEndian.Uint64(unit[16:24])),
		Width:     int(binary.BigEndian.Uint16(unit[24:26])),
		Height:    int(binary.BigEndian.Uint16(unit[26:28])),
		Layout:    frame.LayoutMono,
		Encoding:  rawEncodings[encID],
		Keyframe:  flags&rawFlagKeyframe != 0,
		Payload:   bytes.Clone(unit[rawHeaderSize:]),
	}
	if flags&rawFlagStereo != 0 {
		f.Layout = frame.LayoutStereo
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// MarshalRaw encodes f in the raw container format.
func MarshalRaw(f *frame.Frame) ([]byte, error) {
	encID, ok := rawEncodingID(f.Encoding)
	if !ok {
		return nil, fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	if f.Width > 0xffff || f.Height > 0xffff || f.Width < 0 || f.Height < 0 {
		return nil, fmt.Errorf("dimensions %dx%d out of range", f.Width, f.Height)
	}
	if len(f.Payload) > rawMaxPayload {
		return nil, fmt.Errorf("payload of %d bytes too large", len(f.Payload))
	}
	if f.Timestamp < 0 {
		return nil, fmt.Errorf("negative timestamp %s", f.Timestamp)
	}

	var flags byte
	if f.Keyframe {
		flags |= rawFlagKeyframe
	}
	if f.Layout == frame.LayoutStereo {
		flags |= rawFlagStereo
	}

	out := make([]byte, rawHeaderSize+len(f.Payload))
	copy(out, rawMagic)
	out[4] = flags
	out[5] = encID
	binary.BigEndian.PutUint64(out[8:16], f.Sequence)
	binary.BigEndian.PutUint64(out[16:24], uint64(f.Timestamp))
	binary.BigEndian.PutUint16(out[24:26], uint16(f.Width))
	binary.BigEndian.PutUint16(out[26:28], uint16(f.Height))
	binary.BigEndian.PutUint32(out[28:32], uint32(len(f.Payload)))
	copy(out[rawHeaderSize:], f.Payload)
	return out, nil
}

// rawEncoder conforms raw frames to the output feed's geometry before
// serialising them.
type rawEncoder struct {
	info StreamInfo
}

func (e *rawEncoder) Encode(_ context.Context, f *frame.Frame) ([]byte, error) {
	if f.Encoding.IsRaw() && e.info.Width > 0 && e.info.Height > 0 {
		scaled, err := f.Scale(e.info.Width, e.info.Height)
		if err != nil {
			return nil, &EncodeError{Codec: "raw", Err: err}
		}
		f = scaled
	}
	out, err := MarshalRaw(f)
	if err != nil {
		return nil, &EncodeError{Codec: "raw", Err: err}
	}
	return out, nil
}

func (e *rawEncoder) Close() error { return nil }

func init() {
	Register(rawCodec{})
}
