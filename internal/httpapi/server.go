package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"plantdoc/internal/catalog"
	"plantdoc/internal/classify"
	"plantdoc/internal/config"
	"plantdoc/internal/logging"
	"plantdoc/internal/model"
	"plantdoc/internal/predictor"
	"plantdoc/internal/upstream/inference"
)

//go:embed openapi.yaml
var openAPIDoc []byte

type ClassifyService interface {
	GetTreatment(disease string) (catalog.Record, error)
	Predict(ctx context.Context, f classify.File) (classify.Prediction, error)
	PredictBatch(ctx context.Context, files []classify.File) []classify.Prediction
}

type ReadinessChecker interface {
	CheckHealth(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Classifier     ClassifyService
	Readiness      ReadinessChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *zap.Logger
	classifier   ClassifyService
	readiness    ReadinessChecker
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	maxMemoryBytes   = 8 << 20
	statusCanceled   = 499
)

func NewServer(cfg config.Config, logger *zap.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Classifier == nil {
		panic("httpapi: classifier dependency is required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger.Named("httpapi"),
		classifier:   deps.Classifier,
		readiness:    deps.Readiness,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/docs", s.handleDocs)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Get("/treatments", s.handleTreatments)
	r.Post("/predict", s.handlePredict)
	r.Post("/predict-batch", s.handlePredictBatch)

	return r
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.RootResponse{Name: s.cfg.AppName, Docs: "/docs", Health: "/health"})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.readiness.CheckHealth(ctx); err != nil {
			s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "predictor check failed", detailsForError(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: s.cfg.AppName})
}

func (s *server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPIDoc)
}

func (s *server) handleTreatments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if !query.Has("disease") {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "query parameter 'disease' is required", nil)
		return
	}

	record, err := s.classifier.GetTreatment(query.Get("disease"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *server) handlePredict(w http.ResponseWriter, r *http.Request) {
	form, err := s.readMultipart(w, r)
	defer cleanupMultipartForm(form)
	if err != nil {
		s.handleMultipartReadError(w, r, err, "file")
		return
	}

	headers := form.File["file"]
	if len(headers) == 0 {
		s.handleMultipartReadError(w, r, http.ErrMissingFile, "file")
		return
	}
	upload := readUpload(headers[0])
	if upload.Err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "unable to read uploaded file", nil)
		return
	}

	prediction, err := s.classifier.Predict(r.Context(), upload)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelPrediction(prediction))
}

func (s *server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	form, err := s.readMultipart(w, r)
	defer cleanupMultipartForm(form)
	if err != nil {
		s.handleMultipartReadError(w, r, err, "files")
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		s.handleMultipartReadError(w, r, http.ErrMissingFile, "files")
		return
	}

	uploads := make([]classify.File, len(headers))
	for i, header := range headers {
		uploads[i] = readUpload(header)
	}

	predictions := s.classifier.PredictBatch(r.Context(), uploads)
	out := make([]model.Prediction, len(predictions))
	for i, p := range predictions {
		out[i] = toModelPrediction(p)
	}

	logging.WithOperation(s.logger, "httpapi.predict_batch", requestIDFromContext(r.Context())).
		Debug("batch completed", zap.Int("items", len(out)))
	writeJSON(w, http.StatusOK, out)
}

func (s *server) readMultipart(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, maxMemoryBytes)); err != nil {
		return r.MultipartForm, err
	}
	return r.MultipartForm, nil
}

func readUpload(header *multipart.FileHeader) classify.File {
	upload := classify.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	}
	file, err := header.Open()
	if err != nil {
		upload.Err = err
		return upload
	}
	defer func() { _ = file.Close() }()

	upload.Data, upload.Err = io.ReadAll(file)
	return upload
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error, field string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("multipart field '%s' is required", field), nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	details := detailsForError(err)

	var upstreamErr *inference.Error
	switch {
	case errors.Is(err, classify.ErrNotFound):
		status, code, message, details = http.StatusNotFound, "not_found", "Unknown disease", nil
	case errors.Is(err, classify.ErrNotImage):
		status, code, message, details = http.StatusBadRequest, "invalid_request", "Please upload an image file", nil
	case errors.Is(err, classify.ErrInvalidInput):
		status, code, message, details = http.StatusBadRequest, "invalid_request", "Invalid image data", nil
	case errors.As(err, &upstreamErr), errors.Is(err, predictor.ErrInvalidResult):
		status = http.StatusBadGateway
		code = "upstream_request_failed"
		message = "predictor request failed"
	case errors.Is(err, context.DeadlineExceeded), grpcCode(err) == codes.DeadlineExceeded:
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled), grpcCode(err) == codes.Canceled:
		status = statusCanceled
		code = "canceled"
		message = "request canceled"
	case grpcCode(err) != codes.OK && grpcCode(err) != codes.Unknown:
		status = http.StatusBadGateway
		code = "upstream_request_failed"
		message = "predictor request failed"
	}

	if status >= http.StatusInternalServerError {
		logging.WithOperation(s.logger, "httpapi.request", requestIDFromContext(r.Context())).
			Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestIDFromContext(r.Context())),
					zap.Any("panic", rec),
				)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := s.allowedOrigin(origin); allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)
			h.Set("Access-Control-Expose-Headers", requestIDHeader)
			if allowed != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) allowedOrigin(origin string) string {
	for _, o := range s.cfg.CORSAllowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func toModelPrediction(p classify.Prediction) model.Prediction {
	return model.Prediction{
		Disease:    p.Disease,
		Confidence: p.Confidence,
		Treatment:  p.Treatment,
		LatencyMS:  p.LatencyMS,
	}
}

func grpcCode(err error) codes.Code {
	if st, ok := grpcstatus.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *inference.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
