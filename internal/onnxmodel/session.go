package onnxmodel

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"plantdoc/internal/imaging"
	"plantdoc/internal/predictor"
)

// Session runs a local ONNX classifier. Input and output tensors are reused across calls,
// so Classify is serialized.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	norm         imaging.Normalization
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Open initializes the ONNX runtime (optionally from libPath) and loads the model.
func Open(modelPath, metadataPath, libPath string) (*Session, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session:      session,
		metadata:     metadata,
		norm:         metadata.Normalization(),
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Session) Metadata() Metadata { return s.metadata }

func (s *Session) Classify(ctx context.Context, img imaging.Image) (predictor.Result, error) {
	input, err := imaging.CHW(img.Decoded, s.metadata.ImageSize, s.norm)
	if err != nil {
		return predictor.Result{}, fmt.Errorf("preprocess: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return predictor.Result{}, err
	}

	copy(s.inputTensor.GetData(), input)
	if err := s.session.Run(); err != nil {
		return predictor.Result{}, fmt.Errorf("inference failed: %w", err)
	}

	scores := make([]float32, len(s.outputTensor.GetData()))
	copy(scores, s.outputTensor.GetData())
	return pick(scores, s.metadata.Classes, s.metadata.Softmax)
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// pick returns the highest scoring class, optionally converting logits to probabilities first.
func pick(scores []float32, classes []string, applySoftmax bool) (predictor.Result, error) {
	n := len(scores)
	if len(classes) < n {
		n = len(classes)
	}
	if n == 0 {
		return predictor.Result{}, fmt.Errorf("model produced no scores")
	}
	scores = scores[:n]
	if applySoftmax {
		scores = softmax(scores)
	}

	maxIdx := 0
	for i, v := range scores {
		if v > scores[maxIdx] {
			maxIdx = i
		}
	}
	return predictor.Result{Label: classes[maxIdx], Confidence: float64(scores[maxIdx])}, nil
}

func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
