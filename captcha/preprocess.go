package captcha

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Variant is one deterministic preprocessing recipe applied to the raw
// challenge image before OCR.
type Variant struct {
	Name      string
	Invert    bool
	Scale     int
	Contrast  float64
	Threshold uint8 // 0 leaves the image in grayscale
}

// DefaultVariants are tried in order, one per attempt.
var DefaultVariants = []Variant{
	{Name: "gray-x2-t150", Scale: 2, Threshold: 150},
	{Name: "gray-x3-c40-t128", Scale: 3, Contrast: 40, Threshold: 128},
	{Name: "invert-x2-t110", Invert: true, Scale: 2, Threshold: 110},
	{Name: "gray-x2-c20", Scale: 2, Contrast: 20},
	{Name: "gray-x4-t170", Scale: 4, Threshold: 170},
}

// Apply decodes raw and returns the processed image encoded as PNG.
func (v Variant) Apply(raw []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode challenge image: %w", err)
	}

	img := imaging.Grayscale(src)
	if v.Invert {
		img = imaging.Invert(img)
	}
	if v.Scale > 1 {
		b := img.Bounds()
		img = imaging.Resize(img, b.Dx()*v.Scale, b.Dy()*v.Scale, imaging.Lanczos)
	}
	if v.Contrast != 0 {
		img = imaging.AdjustContrast(img, v.Contrast)
	}

	var out image.Image = img
	if v.Threshold > 0 {
		out = binarize(img, v.Threshold)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode %s: %w", v.Name, err)
	}
	return buf.Bytes(), nil
}

// binarize maps every pixel below t to black and the rest to white.
func binarize(src image.Image, t uint8) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			lum := uint8(((299*r + 587*g + 114*bl) / 1000) >> 8)
			if lum >= t {
				dst.Pix[dst.PixOffset(x, y)] = 255
			}
		}
	}
	return dst
}
