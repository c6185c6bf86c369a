package filter

import (
	"errors"
	"fmt"
	"math"

	"github.com/jmylchreest/feedrelay/internal/frame"
)

// scaleAbs applies out = clamp(alpha*in + beta) to every sample.
type scaleAbs struct {
	name  string
	alpha float64
	beta  float64
	lut   [256]byte
}

func newScaleAbs(name string, alpha, beta float64) *scaleAbs {
	s := &scaleAbs{name: name, alpha: alpha, beta: beta}
	for i := range s.lut {
		s.lut[i] = clampByte(alpha*float64(i) + beta)
	}
	return s
}

func (s *scaleAbs) Name() string { return s.name }

func (*scaleAbs) NeedsPixels() bool { return true }

func (s *scaleAbs) Apply(f *frame.Frame) (*frame.Frame, error) {
	if err := requireRaw(f); err != nil {
		return nil, err
	}
	out := make([]byte, len(f.Payload))
	for i, b := range f.Payload {
		out[i] = s.lut[b]
	}
	return f.WithPayload(out), nil
}

func newBrightness(p Params) (Filter, error) {
	if err := p.only("delta"); err != nil {
		return nil, err
	}
	delta := p.Float("delta", 30)
	if delta < -255 || delta > 255 {
		return nil, fmt.Errorf("delta must be within [-255, 255], got %v", delta)
	}
	return newScaleAbs("brightness", 1, delta), nil
}

func newContrast(p Params) (Filter, error) {
	if err := p.only("alpha"); err != nil {
		return nil, err
	}
	alpha := p.Float("alpha", 1.5)
	if alpha < 0 {
		return nil, fmt.Errorf("alpha must not be negative, got %v", alpha)
	}
	return newScaleAbs("contrast", alpha, 0), nil
}

type greyscale struct{}

func (greyscale) Name() string { return "greyscale" }

func (greyscale) NeedsPixels() bool { return true }

func (greyscale) Apply(f *frame.Frame) (*frame.Frame, error) {
	if err := requireRaw(f); err != nil {
		return nil, err
	}
	if f.Encoding == frame.EncodingGray8 {
		return f, nil
	}
	px := f.Width * f.Height
	out := make([]byte, px)
	for i := 0; i < px; i++ {
		b, g, r := f.Payload[3*i], f.Payload[3*i+1], f.Payload[3*i+2]
		out[i] = clampByte(0.114*float64(b) + 0.587*float64(g) + 0.299*float64(r))
	}
	g := f.WithPayload(out)
	g.Encoding = frame.EncodingGray8
	return g, nil
}

// lowpass is a separable Gaussian blur with replicated borders.
type lowpass struct {
	kernel []float64
}

func newLowpass(p Params) (Filter, error) {
	if err := p.only("ksize"); err != nil {
		return nil, err
	}
	ksize := p.Int("ksize", 5)
	if ksize < 1 {
		return nil, errors.New("ksize must be at least 1")
	}
	if ksize%2 == 0 {
		ksize++
	}
	return &lowpass{kernel: gaussianKernel(ksize)}, nil
}

func gaussianKernel(ksize int) []float64 {
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	half := ksize / 2
	k := make([]float64, ksize)
	var sum float64
	for i := range k {
		x := float64(i - half)
		k[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func (l *lowpass) Name() string { return "lowpass" }

func (*lowpass) NeedsPixels() bool { return true }

func (l *lowpass) Apply(f *frame.Frame) (*frame.Frame, error) {
	if err := requireRaw(f); err != nil {
		return nil, err
	}
	if len(l.kernel) == 1 {
		return f, nil
	}

	w, h, c := f.Width, f.Height, f.Encoding.BytesPerPixel()
	half := len(l.kernel) / 2
	tmp := make([]float64, len(f.Payload))

	for y := 0; y < h; y++ {
		row := y * w * c
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				var acc float64
				for k, weight := range l.kernel {
					sx := clampIndex(x+k-half, w)
					acc += weight * float64(f.Payload[row+sx*c+ch])
				}
				tmp[row+x*c+ch] = acc
			}
		}
	}

	out := make([]byte, len(f.Payload))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				var acc float64
				for k, weight := range l.kernel {
					sy := clampIndex(y+k-half, h)
					acc += weight * tmp[(sy*w+x)*c+ch]
				}
				out[(y*w+x)*c+ch] = clampByte(acc)
			}
		}
	}
	return f.WithPayload(out), nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func init() {
	Register("brightness", newBrightness)
	Register("contrast", newContrast)
	Register("greyscale", func(p Params) (Filter, error) {
		if err := p.only(); err != nil {
			return nil, err
		}
		return greyscale{}, nil
	})
	Register("lowpass", newLowpass)
}
