package filter

import (
	"fmt"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

type resize struct {
	scale float64
}

func newResize(p Params) (Filter, error) {
	if err := p.only("scale"); err != nil {
		return nil, err
	}
	scale := p.Float("scale", 0.5)
	if scale <= 0 || scale > 8 {
		return nil, fmt.Errorf("scale must be within (0, 8], got %v", scale)
	}
	return &resize{scale: scale}, nil
}

func (r *resize) Name() string { return "resize" }

func (*resize) NeedsPixels() bool { return true }

func (r *resize) Apply(f *frame.Frame) (*frame.Frame, error) {
	if err := requireRaw(f); err != nil {
		return nil, err
	}
	w := max(1, int(float64(f.Width)*r.scale))
	h := max(1, int(float64(f.Height)*r.scale))
	return f.Scale(w, h)
}

func init() {
	Register("resize", newResize)
}
