package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
	BackendONNX = "onnx"
)

type Config struct {
	ListenAddr         string
	AppName            string
	LogLevel           string
	TreatmentsPath     string
	PredictorBackend   string
	PredictorURL       string
	PredictorPath      string
	PredictorAPIKey    string
	LabelPath          string
	ConfidencePath     string
	PredictorRetries   int
	PredictorGRPCAddr  string
	ONNXModelPath      string
	ONNXMetadataPath   string
	ONNXRuntimeLib     string
	RequestTimeout     time.Duration
	PredictTimeout     time.Duration
	MaxUploadBytes     int64
	BatchConcurrency   int
	CORSAllowedOrigins []string
}

type envConfig struct {
	ListenAddr            string   `env:"LISTEN_ADDR" envDefault:":8080"`
	AppName               string   `env:"APP_NAME" envDefault:"Crop Disease Detection API"`
	LogLevel              string   `env:"LOG_LEVEL" envDefault:"info"`
	TreatmentsPath        string   `env:"TREATMENTS_PATH"`
	PredictorBackend      string   `env:"PREDICTOR_BACKEND" envDefault:"http"`
	PredictorURL          string   `env:"PREDICTOR_URL" envDefault:"http://localhost:9000"`
	PredictorPath         string   `env:"PREDICTOR_PATH" envDefault:"/v1/classify"`
	PredictorAPIKey       string   `env:"PREDICTOR_API_KEY"`
	LabelPath             string   `env:"PREDICTOR_LABEL_PATH" envDefault:"label"`
	ConfidencePath        string   `env:"PREDICTOR_CONFIDENCE_PATH" envDefault:"confidence"`
	PredictorRetries      int      `env:"PREDICTOR_MAX_RETRIES" envDefault:"2"`
	PredictorGRPCAddr     string   `env:"PREDICTOR_GRPC_ADDR" envDefault:"localhost:50051"`
	ONNXModelPath         string   `env:"ONNX_MODEL_PATH" envDefault:"models/model.onnx"`
	ONNXMetadataPath      string   `env:"ONNX_METADATA_PATH" envDefault:"models/model_metadata.json"`
	ONNXRuntimeLib        string   `env:"ONNXRUNTIME_LIB"`
	RequestTimeoutSeconds int      `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"15"`
	PredictTimeoutSeconds int      `env:"PREDICT_TIMEOUT_SECONDS" envDefault:"10"`
	MaxUploadBytes        int64    `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
	BatchConcurrency      int      `env:"BATCH_CONCURRENCY" envDefault:"1"`
	CORSAllowedOrigins    []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:         strings.TrimSpace(raw.ListenAddr),
		AppName:            strings.TrimSpace(raw.AppName),
		LogLevel:           strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		TreatmentsPath:     strings.TrimSpace(raw.TreatmentsPath),
		PredictorBackend:   strings.ToLower(strings.TrimSpace(raw.PredictorBackend)),
		PredictorURL:       strings.TrimRight(strings.TrimSpace(raw.PredictorURL), "/"),
		PredictorPath:      normalizePath(raw.PredictorPath),
		PredictorAPIKey:    strings.TrimSpace(raw.PredictorAPIKey),
		LabelPath:          strings.TrimSpace(raw.LabelPath),
		ConfidencePath:     strings.TrimSpace(raw.ConfidencePath),
		PredictorRetries:   raw.PredictorRetries,
		PredictorGRPCAddr:  strings.TrimSpace(raw.PredictorGRPCAddr),
		ONNXModelPath:      strings.TrimSpace(raw.ONNXModelPath),
		ONNXMetadataPath:   strings.TrimSpace(raw.ONNXMetadataPath),
		ONNXRuntimeLib:     strings.TrimSpace(raw.ONNXRuntimeLib),
		RequestTimeout:     time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		PredictTimeout:     time.Duration(raw.PredictTimeoutSeconds) * time.Second,
		MaxUploadBytes:     raw.MaxUploadBytes,
		BatchConcurrency:   raw.BatchConcurrency,
		CORSAllowedOrigins: trimAll(raw.CORSAllowedOrigins),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.AppName == "" {
		return errors.New("APP_NAME must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.PredictTimeout <= 0 {
		return errors.New("PREDICT_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.BatchConcurrency <= 0 {
		return errors.New("BATCH_CONCURRENCY must be > 0")
	}

	switch c.PredictorBackend {
	case BackendHTTP:
		if c.PredictorURL == "" {
			return errors.New("PREDICTOR_URL must not be empty")
		}
		if c.LabelPath == "" || c.ConfidencePath == "" {
			return errors.New("PREDICTOR_LABEL_PATH and PREDICTOR_CONFIDENCE_PATH must not be empty")
		}
		if c.PredictorRetries < 0 {
			return errors.New("PREDICTOR_MAX_RETRIES must be >= 0")
		}
	case BackendGRPC:
		if c.PredictorGRPCAddr == "" {
			return errors.New("PREDICTOR_GRPC_ADDR must not be empty")
		}
	case BackendONNX:
		if c.ONNXModelPath == "" || c.ONNXMetadataPath == "" {
			return errors.New("ONNX_MODEL_PATH and ONNX_METADATA_PATH must not be empty")
		}
	default:
		return fmt.Errorf("PREDICTOR_BACKEND must be one of %s, %s, %s; got %q", BackendHTTP, BackendGRPC, BackendONNX, c.PredictorBackend)
	}
	return nil
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
