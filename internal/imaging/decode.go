package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrEmpty = errors.New("empty image payload")

// Image is a decoded upload. Raw keeps the original bytes for backends that forward them.
type Image struct {
	Decoded image.Image
	Format  string
	Raw     []byte
}

// ContentType is the MIME type implied by the decoded format.
func (i Image) ContentType() string {
	if i.Format == "" {
		return "application/octet-stream"
	}
	return "image/" + i.Format
}

// Decode parses raw as any registered image format.
func Decode(raw []byte) (Image, error) {
	if len(raw) == 0 {
		return Image{}, ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}
	return Image{Decoded: img, Format: format, Raw: raw}, nil
}
