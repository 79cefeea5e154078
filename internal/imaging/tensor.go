package imaging

import (
	"errors"
	"image"

	"github.com/nfnt/resize"
)

// Normalization is applied per RGB channel after scaling pixels to [0,1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// Identity leaves [0,1] values untouched.
var Identity = Normalization{Std: [3]float32{1, 1, 1}}

// CHW resizes img to size x size and lays the pixels out channel-first as float32.
func CHW(img image.Image, size int, norm Normalization) ([]float32, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}
	if size <= 0 {
		return nil, errors.New("target size must be > 0")
	}
	for _, s := range norm.Std {
		if s == 0 {
			return nil, errors.New("normalization std must be non-zero")
		}
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	out := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*width + x
			out[i] = (float32(r)/65535.0 - norm.Mean[0]) / norm.Std[0]
			out[plane+i] = (float32(g)/65535.0 - norm.Mean[1]) / norm.Std[1]
			out[2*plane+i] = (float32(b)/65535.0 - norm.Mean[2]) / norm.Std[2]
		}
	}
	return out, nil
}
