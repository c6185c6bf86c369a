// Package codec is the boundary between wire container units and frames.
//
// A Codec names a container format and knows how to find unit boundaries in a
// byte stream, how to cut encoded units into datagrams, and how to build
// per-feed decoders and encoders. Decoders and encoders are not shared between
// feeds.
package codec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// DefaultCodec is used when a configuration does not name one.
const DefaultCodec = "mpegts"

// StreamInfo describes the feed a decoder or encoder serves.
type StreamInfo struct {
	FeedID string
	Width  int
	Height int
	FPS    float64
	Layout frame.Layout
}

// Decoder turns container units into frames. A unit may complete zero or more
// frames. A non-nil error reports a per-unit problem; frames returned next to
// it are still valid.
type Decoder interface {
	Decode(ctx context.Context, unit []byte) ([]*frame.Frame, error)
	Close() error
}

// Encoder turns a frame into one container unit.
type Encoder interface {
	Encode(ctx context.Context, f *frame.Frame) ([]byte, error)
	Close() error
}

// Codec is a container format.
type Codec interface {
	Name() string

	// Split finds the next container unit in buf. It returns how many bytes to
	// consume, the unit (nil when more data is needed) and how many leading
	// bytes were discarded while resynchronising.
	Split(buf []byte, atEOF bool) (advance int, unit []byte, discarded int)

	// Packetize cuts an encoded unit into datagrams of at most maxSize bytes.
	Packetize(unit []byte, maxSize int) ([][]byte, error)

	// DecodesRaw reports whether decoded frames carry uncompressed pixels.
	DecodesRaw() bool

	NewDecoder(info StreamInfo) Decoder
	NewEncoder(info StreamInfo) Encoder
}

// DecodeError is a per-unit decode failure. The pipeline drops the unit and
// counts it.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError is a per-frame encode failure. The pipeline drops the frame and
// counts it.
type EncodeError struct {
	Codec string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s encode: %v", e.Codec, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// ErrUnitTooLarge is returned by Packetize when a unit cannot be split.
var ErrUnitTooLarge = errors.New("unit exceeds datagram size")

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

// Register adds a codec. It panics on duplicate names.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[c.Name()]; exists {
		panic("codec: duplicate registration of " + c.Name())
	}
	registry[c.Name()] = c
}

// Lookup returns the named codec. An empty name selects DefaultCodec.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodec
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (known: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return c, nil
}

// Names returns the registered codec names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
