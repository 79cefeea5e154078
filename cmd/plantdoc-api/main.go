package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"plantdoc/internal/catalog"
	"plantdoc/internal/classify"
	"plantdoc/internal/config"
	"plantdoc/internal/httpapi"
	"plantdoc/internal/logging"
	"plantdoc/internal/observability"
	"plantdoc/internal/onnxmodel"
	"plantdoc/internal/predictor"
	"plantdoc/internal/upstream/grpcinfer"
	"plantdoc/internal/upstream/inference"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	treatments, err := catalog.Load(cfg.TreatmentsPath)
	if err != nil {
		return fmt.Errorf("load treatments: %w", err)
	}
	logger.Info("treatment catalog loaded", zap.Int("entries", treatments.Len()), zap.String("path", cfg.TreatmentsPath))

	backend, closeBackend, err := newBackend(context.Background(), cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer closeBackend()

	pred := predictor.New(backend, cfg.PredictTimeout)
	classifier := classify.New(pred, treatments, classify.Options{
		BatchConcurrency: cfg.BatchConcurrency,
		Logger:           logger,
		Metrics:          metrics,
	})

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Classifier:     classifier,
		Readiness:      pred,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + cfg.PredictTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("server starting",
		zap.String("addr", cfg.ListenAddr),
		zap.String("backend", cfg.PredictorBackend),
		zap.Int("batch_concurrency", cfg.BatchConcurrency),
	)
	return serveHTTPServer(srv, shutdownTimeout, logger, nil, nil)
}

// newBackend builds the predictor backend selected by PREDICTOR_BACKEND. The
// returned func releases whatever the backend holds open.
func newBackend(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (predictor.Backend, func(), error) {
	switch cfg.PredictorBackend {
	case config.BackendHTTP:
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		client := inference.New(cfg.PredictorURL, cfg.PredictorPath, cfg.PredictorAPIKey,
			&http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
			inference.WithObserver(metrics.ObserveUpstream),
			inference.WithResultPaths(cfg.LabelPath, cfg.ConfidencePath),
			inference.WithMaxRetries(cfg.PredictorRetries),
		)
		return client, transport.CloseIdleConnections, nil
	case config.BackendGRPC:
		client, err := grpcinfer.Dial(ctx, cfg.PredictorGRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case config.BackendONNX:
		session, err := onnxmodel.Open(cfg.ONNXModelPath, cfg.ONNXMetadataPath, cfg.ONNXRuntimeLib)
		if err != nil {
			return nil, nil, fmt.Errorf("open onnx model: %w", err)
		}
		meta := session.Metadata()
		logger.Info("onnx model loaded", zap.Int("classes", len(meta.Classes)), zap.Int("image_size", meta.ImageSize))
		return session, session.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported predictor backend %q", cfg.PredictorBackend)
	}
}

// serveHTTPServer runs server until it fails or a shutdown signal arrives.
// listener and signalCh are optional; nil means ListenAndServe and SIGINT/SIGTERM.
func serveHTTPServer(server *http.Server, timeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
		return <-errCh
	}
}
