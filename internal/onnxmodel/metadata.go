package onnxmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"plantdoc/internal/imaging"
)

// Metadata describes the exported model: tensor names/shapes and the class list in output order.
type Metadata struct {
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name"`
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	Mean        []float32 `json:"mean,omitempty"`
	Std         []float32 `json:"std,omitempty"`
	Softmax     bool      `json:"apply_softmax"`
}

func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if md.InputName == "" {
		md.InputName = "input"
	}
	if md.OutputName == "" {
		md.OutputName = "output"
	}
	if err := md.Validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return errors.New("metadata: classes must not be empty")
	}
	if m.ImageSize <= 0 {
		return errors.New("metadata: image_size must be > 0")
	}
	want := []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
	if len(m.InputShape) != len(want) {
		return fmt.Errorf("metadata: input_shape must be %v", want)
	}
	for i := range want {
		if m.InputShape[i] != want[i] {
			return fmt.Errorf("metadata: input_shape must be %v, got %v", want, m.InputShape)
		}
	}
	if elements(m.OutputShape) != int64(len(m.Classes)) {
		return fmt.Errorf("metadata: output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	if (len(m.Mean) != 0 && len(m.Mean) != 3) || (len(m.Std) != 0 && len(m.Std) != 3) {
		return errors.New("metadata: mean and std must have 3 values when set")
	}
	return nil
}

// Normalization returns the per-channel preprocessing implied by mean/std.
func (m Metadata) Normalization() imaging.Normalization {
	norm := imaging.Identity
	if len(m.Mean) == 3 {
		copy(norm.Mean[:], m.Mean)
	}
	if len(m.Std) == 3 {
		copy(norm.Std[:], m.Std)
	}
	return norm
}

func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
