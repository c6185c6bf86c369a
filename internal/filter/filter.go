// Package filter provides the per-feed frame transforms applied after decode.
//
// Filters are resolved by type name through a registry when a feed pipeline is
// built. Every constructed filter owns its state, so two feeds configured with
// the same filter type never share estimates or buffers.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// ErrUnsupportedEncoding is returned when a filter cannot operate on a frame's payload.
var ErrUnsupportedEncoding = errors.New("unsupported frame encoding")

// PixelFilter is implemented by filters that only work on uncompressed frames.
type PixelFilter interface {
	NeedsPixels() bool
}

// Filter transforms one frame into the next. Implementations may keep state
// between calls; a Filter is used by a single feed goroutine.
type Filter interface {
	Name() string
	Apply(f *frame.Frame) (*frame.Frame, error)
}

// Params holds a filter's numeric parameters.
type Params map[string]float64

// Float returns the named parameter or def when unset.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns the named parameter truncated to an int, or def when unset.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// only fails when p carries a key outside allowed.
func (p Params) only(allowed ...string) error {
	for key := range p {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown parameter %q (allowed: %s)", key, strings.Join(allowed, ", "))
		}
	}
	return nil
}

// Spec selects a filter type and its parameters.
type Spec struct {
	Type       string
	Parameters map[string]float64
}

// Constructor builds a fresh filter instance from its parameters.
type Constructor func(params Params) (Filter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a filter type available to Build. It panics on duplicates.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic("filter: duplicate registration of " + name)
	}
	registry[name] = ctor
}

// Types returns the registered filter type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[name]
	return ctor, ok
}

// BuildError reports which entry of a filter list could not be constructed.
type BuildError struct {
	Index int
	Type  string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("filter %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Chain applies filters strictly in order, each consuming the previous output.
type Chain struct {
	filters []Filter
}

// Build constructs a chain from specs, failing on the first unknown type or
// invalid parameter set.
func Build(specs []Spec) (*Chain, error) {
	return BuildFor(specs, true)
}

// BuildFor is Build for a decoder that may not produce raw pixels. When raw is
// false, the first filter that needs pixels fails with ErrUnsupportedEncoding.
func BuildFor(specs []Spec, raw bool) (*Chain, error) {
	chain := &Chain{filters: make([]Filter, 0, len(specs))}
	for i, spec := range specs {
		ctor, ok := lookup(spec.Type)
		if !ok {
			return nil, &BuildError{Index: i, Type: spec.Type, Err: fmt.Errorf("unknown filter type (known: %s)", strings.Join(Types(), ", "))}
		}
		f, err := ctor(Params(spec.Parameters))
		if err != nil {
			return nil, &BuildError{Index: i, Type: spec.Type, Err: err}
		}
		if pf, ok := f.(PixelFilter); ok && pf.NeedsPixels() && !raw {
			return nil, &BuildError{Index: i, Type: spec.Type, Err: fmt.Errorf("%w: needs uncompressed frames", ErrUnsupportedEncoding)}
		}
		chain.filters = append(chain.filters, f)
	}
	return chain, nil
}

// Apply runs f through every filter. An empty chain returns f unchanged.
func (c *Chain) Apply(f *frame.Frame) (*frame.Frame, error) {
	var err error
	for i, flt := range c.filters {
		f, err = flt.Apply(f)
		if err != nil {
			return nil, fmt.Errorf("filter %d (%s): %w", i, flt.Name(), err)
		}
	}
	return f, nil
}

// Len returns the number of filters in the chain.
func (c *Chain) Len() int {
	return len(c.filters)
}

// Names returns the filter names in application order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

type identity struct{}

func (identity) Name() string { return "identity" }

func (identity) Apply(f *frame.Frame) (*frame.Frame, error) { return f, nil }

func init() {
	Register("identity", func(p Params) (Filter, error) {
		if err := p.only(); err != nil {
			return nil, err
		}
		return identity{}, nil
	})
}

func requireRaw(f *frame.Frame) error {
	if !f.Encoding.IsRaw() {
		return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, f.Encoding)
	}
	return f.Validate()
}

func clampByte(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v + 0.5)
	}
}
