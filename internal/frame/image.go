package frame

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// toImage wraps a raw payload in an image without changing channel order.
// BGR samples land in the R, G and B slots respectively; scalers treat the
// channels independently, so the order round-trips unchanged.
func (f *Frame) toImage() (draw.Image, error) {
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Encoding {
	case EncodingGray8:
		return &image.Gray{Pix: f.Payload, Stride: f.Width, Rect: rect}, nil
	case EncodingBGR24:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(f.Payload); i, j = i+3, j+4 {
			img.Pix[j] = f.Payload[i]
			img.Pix[j+1] = f.Payload[i+1]
			img.Pix[j+2] = f.Payload[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("cannot scale %s frames", f.Encoding)
	}
}

// Scale returns a copy of f resampled to width x height with bilinear
// interpolation. A frame that already has those dimensions is returned as is.
func (f *Frame) Scale(width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Width == width && f.Height == height {
		return f, nil
	}

	src, err := f.toImage()
	if err != nil {
		return nil, err
	}

	out := *f
	out.Width, out.Height = width, height
	dr := image.Rect(0, 0, width, height)

	switch f.Encoding {
	case EncodingGray8:
		dst := image.NewGray(dr)
		draw.ApproxBiLinear.Scale(dst, dr, src, src.Bounds(), draw.Src, nil)
		out.Payload = dst.Pix
	default:
		dst := image.NewRGBA(dr)
		draw.ApproxBiLinear.Scale(dst, dr, src, src.Bounds(), draw.Src, nil)
		payload := make([]byte, width*height*3)
		for i, j := 0, 0; i < len(payload); i, j = i+3, j+4 {
			payload[i] = dst.Pix[j]
			payload[i+1] = dst.Pix[j+1]
			payload[i+2] = dst.Pix[j+2]
		}
		out.Payload = payload
	}
	return &out, nil
}
