package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"plantdoc/internal/catalog"
	"plantdoc/internal/imaging"
	"plantdoc/internal/predictor"
)

const ErrorLabel = "error"

var (
	ErrNotFound     = errors.New("unknown disease")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotImage     = fmt.Errorf("%w: please upload an image file", ErrInvalidInput)
	ErrInvalidImage = fmt.Errorf("%w: invalid image data", ErrInvalidInput)
)

type Predictor interface {
	Predict(ctx context.Context, img imaging.Image) (predictor.Result, error)
}

type Catalog interface {
	Lookup(label string) (catalog.Record, bool)
}

type MetricsObserver interface {
	ObservePrediction(status string, latency time.Duration)
	IncBatchItemFailure()
}

// File is one uploaded image. Err records a failure to read the upload itself.
type File struct {
	Name        string
	ContentType string
	Data        []byte
	Err         error
}

// Prediction is the uniform per-image result. Treatment and LatencyMS are nil when absent.
type Prediction struct {
	Disease    string
	Confidence float64
	Treatment  *string
	LatencyMS  *float64
}

// ErrorPrediction is the record standing in for a failed batch item.
func ErrorPrediction() Prediction {
	return Prediction{Disease: ErrorLabel, Confidence: 0}
}

// Outcome is the result of processing one batch item: a prediction or the error that replaced it.
type Outcome struct {
	Prediction Prediction
	Err        error
}

type Options struct {
	BatchConcurrency int
	Logger           *zap.Logger
	Metrics          MetricsObserver
}

type Service struct {
	predictor   Predictor
	catalog     Catalog
	concurrency int
	logger      *zap.Logger
	metrics     MetricsObserver
	now         func() time.Time
}

func New(p Predictor, c Catalog, opts Options) *Service {
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		predictor:   p,
		catalog:     c,
		concurrency: opts.BatchConcurrency,
		logger:      opts.Logger.Named("classify"),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// GetTreatment returns the catalog record for disease.
func (s *Service) GetTreatment(disease string) (catalog.Record, error) {
	rec, ok := s.catalog.Lookup(disease)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, disease)
	}
	return rec, nil
}

// Predict classifies a single upload. The content type is checked before any decoding.
func (s *Service) Predict(ctx context.Context, f File) (Prediction, error) {
	if !isImageContentType(f.ContentType) {
		return Prediction{}, ErrNotImage
	}
	img, err := imaging.Decode(f.Data)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return s.run(ctx, img)
}

// PredictBatch classifies every file, keeping input order. Failed items become
// ErrorPrediction records and never fail the batch. Content types are not checked here.
func (s *Service) PredictBatch(ctx context.Context, files []File) []Prediction {
	outcomes := make([]Outcome, len(files))

	if s.concurrency <= 1 || len(files) <= 1 {
		for i, f := range files {
			outcomes[i] = s.predictItem(ctx, f)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for i, f := range files {
			i, f := i, f
			g.Go(func() error {
				outcomes[i] = s.predictItem(ctx, f)
				return nil
			})
		}
		_ = g.Wait()
	}

	predictions := make([]Prediction, len(outcomes))
	for i, o := range outcomes {
		if o.Err != nil {
			s.logger.Warn("batch item failed",
				zap.Int("index", i),
				zap.String("file", files[i].Name),
				zap.Error(o.Err),
			)
			if s.metrics != nil {
				s.metrics.IncBatchItemFailure()
			}
		}
		predictions[i] = o.Prediction
	}
	return predictions
}

// predictItem never panics and never returns a partially filled prediction.
func (s *Service) predictItem(ctx context.Context, f File) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{Prediction: ErrorPrediction(), Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if f.Err != nil {
		return Outcome{Prediction: ErrorPrediction(), Err: f.Err}
	}
	img, err := imaging.Decode(f.Data)
	if err != nil {
		return Outcome{Prediction: ErrorPrediction(), Err: fmt.Errorf("%w: %v", ErrInvalidImage, err)}
	}
	p, err := s.run(ctx, img)
	if err != nil {
		return Outcome{Prediction: ErrorPrediction(), Err: err}
	}
	return Outcome{Prediction: p}
}

func (s *Service) run(ctx context.Context, img imaging.Image) (Prediction, error) {
	started := s.now()
	res, err := s.predictor.Predict(ctx, img)
	elapsed := s.now().Sub(started)
	if err != nil {
		s.observe("failure", elapsed)
		return Prediction{}, err
	}
	if res.Label == ErrorLabel {
		s.observe("failure", elapsed)
		return Prediction{}, fmt.Errorf("%w: label %q is reserved", predictor.ErrInvalidResult, ErrorLabel)
	}
	s.observe("success", elapsed)

	latency := roundTo(float64(elapsed)/float64(time.Millisecond), 2)
	if latency < 0 {
		latency = 0
	}
	p := Prediction{
		Disease:    res.Label,
		Confidence: roundTo(res.Confidence, 4),
		LatencyMS:  &latency,
	}
	if rec, ok := s.catalog.Lookup(res.Label); ok {
		if treatment, ok := rec.Treatment(); ok {
			p.Treatment = &treatment
		}
	}
	return p, nil
}

func (s *Service) observe(status string, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.ObservePrediction(status, elapsed)
	}
}

func isImageContentType(ct string) bool {
	return strings.HasPrefix(ct, "image/")
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
