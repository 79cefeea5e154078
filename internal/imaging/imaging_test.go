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

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDecodePNGAndJPEG(t *testing.T) {
	var pngBuf, jpgBuf bytes.Buffer
	if err := png.Encode(&pngBuf, solid(4, 4, color.White)); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := jpeg.Encode(&jpgBuf, solid(4, 4, color.White), nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}

	img, err := Decode(pngBuf.Bytes())
	if err != nil {
		t.Fatalf("Decode(png) error = %v", err)
	}
	if img.ContentType() != "image/png" || img.Decoded.Bounds().Dx() != 4 {
		t.Fatalf("unexpected png decode: %s %v", img.ContentType(), img.Decoded.Bounds())
	}

	img, err = Decode(jpgBuf.Bytes())
	if err != nil {
		t.Fatalf("Decode(jpeg) error = %v", err)
	}
	if img.Format != "jpeg" {
		t.Fatalf("unexpected format: %q", img.Format)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("definitely not an image")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Decode(nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestCHWLayout(t *testing.T) {
	data, err := CHW(solid(10, 6, color.RGBA{R: 255, A: 255}), 4, Identity)
	if err != nil {
		t.Fatalf("CHW() error = %v", err)
	}
	if len(data) != 3*4*4 {
		t.Fatalf("unexpected length: %d", len(data))
	}
	for i := 0; i < 16; i++ {
		if math.Abs(float64(data[i])-1) > 1e-3 {
			t.Fatalf("red plane[%d] = %f, want 1", i, data[i])
		}
		if math.Abs(float64(data[16+i])) > 1e-3 || math.Abs(float64(data[32+i])) > 1e-3 {
			t.Fatalf("green/blue plane[%d] should be 0", i)
		}
	}
}

func TestCHWNormalization(t *testing.T) {
	norm := Normalization{Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.5, 0.5, 0.5}}
	data, err := CHW(solid(2, 2, color.Black), 2, norm)
	if err != nil {
		t.Fatalf("CHW() error = %v", err)
	}
	for i, v := range data {
		if math.Abs(float64(v)+1) > 1e-3 {
			t.Fatalf("value[%d] = %f, want -1", i, v)
		}
	}
	if _, err := CHW(solid(2, 2, color.Black), 2, Normalization{}); err == nil {
		t.Fatal("expected zero std to be rejected")
	}
}
