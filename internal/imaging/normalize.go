// Package imaging converts uploaded image bytes into the fixed-shape tensor the classifiers expect.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	Size     = 128
	Channels = 3

	// maxSourcePixels bounds the decoded source so a tiny compressed file cannot expand unbounded.
	maxSourcePixels = 8192 * 8192
)

// ErrDecode is returned when the input is not a decodable image.
var ErrDecode = errors.New("image could not be decoded")

// Tensor is a Size×Size×Channels image in row-major HWC order with values in [0,1].
type Tensor struct {
	Data []float32
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*Size+x)*Channels+c]
}

// Shape reports the tensor dimensions as height, width, channels.
func (t *Tensor) Shape() [3]int {
	return [3]int{Size, Size, Channels}
}

// CHW returns a copy of the data in channel-first order for models that expect NCHW input.
func (t *Tensor) CHW() []float32 {
	out := make([]float32, len(t.Data))
	plane := Size * Size
	for i := 0; i < plane; i++ {
		for c := 0; c < Channels; c++ {
			out[c*plane+i] = t.Data[i*Channels+c]
		}
	}
	return out
}

// Normalize decodes raw, drops alpha, resizes to Size×Size with bicubic resampling
// and scales 8-bit intensities to [0,1].
func Normalize(raw []byte) (*Tensor, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return nil, fmt.Errorf("%w: unsupported dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	resized := resize.Resize(Size, Size, toOpaqueRGB(img), resize.Bicubic)
	bounds := resized.Bounds()

	data := make([]float32, Size*Size*Channels)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := (y*Size + x) * Channels
			data[i] = float32(r>>8) / 255.0
			data[i+1] = float32(g>>8) / 255.0
			data[i+2] = float32(b>>8) / 255.0
		}
	}
	return &Tensor{Data: data}, nil
}

// toOpaqueRGB keeps the straight (non-premultiplied) color of every pixel and discards alpha.
// Grayscale and paletted sources come out with the intensity replicated across channels.
func toOpaqueRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}
