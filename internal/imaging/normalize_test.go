package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeGrayscaleReplicatesChannels(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			src.SetGray(x, y, color.Gray{Y: uint8((x + y) * 2)})
		}
	}

	tensor, err := Normalize(encodePNG(t, src))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if len(tensor.Data) != Size*Size*Channels {
		t.Fatalf("unexpected tensor length %d", len(tensor.Data))
	}
	if tensor.Shape() != [3]int{128, 128, 3} {
		t.Fatalf("unexpected shape %v", tensor.Shape())
	}
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			r, g, b := tensor.At(y, x, 0), tensor.At(y, x, 1), tensor.At(y, x, 2)
			if r != g || g != b {
				t.Fatalf("channels differ at (%d,%d): %f %f %f", y, x, r, g, b)
			}
			if r < 0 || r > 1 {
				t.Fatalf("value out of range at (%d,%d): %f", y, x, r)
			}
		}
	}
}

func TestNormalizeUniformColorScaled(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 300, 200))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 255, 0, 51, 255
	}

	tensor, err := Normalize(encodePNG(t, src))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	want := [3]float32{1, 0, 0.2}
	for c, v := range want {
		if got := tensor.At(64, 64, c); math.Abs(float64(got-v)) > 1e-6 {
			t.Fatalf("channel %d: got %f want %f", c, got, v)
		}
	}
}

func TestNormalizeDiscardsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 200, 100, 50, 10
	}

	tensor, err := Normalize(encodePNG(t, src))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if got := tensor.At(10, 10, 0); math.Abs(float64(got-200.0/255.0)) > 1e-6 {
		t.Fatalf("expected straight color to survive, got %f", got)
	}
}

func TestNormalizeJPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 512, 512))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if _, err := Normalize(buf.Bytes()); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 37, 91))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7)
	}
	raw := encodePNG(t, src)

	a, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	b, err := Normalize(raw)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("tensors differ at %d", i)
		}
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("definitely not an image")} {
		if _, err := Normalize(raw); !errors.Is(err, ErrDecode) {
			t.Fatalf("expected ErrDecode for %q, got %v", raw, err)
		}
	}
}

func TestCHWLayout(t *testing.T) {
	data := make([]float32, Size*Size*Channels)
	for i := 0; i < Size*Size; i++ {
		data[i*Channels] = 0.1
		data[i*Channels+1] = 0.2
		data[i*Channels+2] = 0.3
	}
	chw := (&Tensor{Data: data}).CHW()
	plane := Size * Size
	if chw[0] != 0.1 || chw[plane] != 0.2 || chw[2*plane] != 0.3 {
		t.Fatalf("unexpected CHW layout: %f %f %f", chw[0], chw[plane], chw[2*plane])
	}
}
