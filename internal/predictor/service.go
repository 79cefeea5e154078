package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"plantdoc/internal/imaging"
)

var ErrInvalidResult = errors.New("predictor returned an invalid result")

// Result is a single classification.
type Result struct {
	Label      string
	Confidence float64
}

// Backend is a model that can classify a decoded image.
type Backend interface {
	Classify(ctx context.Context, img imaging.Image) (Result, error)
}

// HealthChecker is implemented by backends that can report readiness.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type Service struct {
	backend Backend
	timeout time.Duration
}

func New(backend Backend, timeout time.Duration) *Service {
	return &Service{backend: backend, timeout: timeout}
}

// Predict classifies img within the configured timeout and sanitizes the result.
func (s *Service) Predict(ctx context.Context, img imaging.Image) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.backend.Classify(ctx, img)
	if err != nil {
		return Result{}, err
	}

	res.Label = strings.TrimSpace(res.Label)
	if res.Label == "" {
		return Result{}, fmt.Errorf("%w: empty label", ErrInvalidResult)
	}
	if math.IsNaN(res.Confidence) || math.IsInf(res.Confidence, 0) {
		return Result{}, fmt.Errorf("%w: confidence %v", ErrInvalidResult, res.Confidence)
	}
	res.Confidence = math.Min(1, math.Max(0, res.Confidence))
	return res, nil
}

// CheckHealth delegates to the backend when it supports health checks.
func (s *Service) CheckHealth(ctx context.Context) error {
	if hc, ok := s.backend.(HealthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}
