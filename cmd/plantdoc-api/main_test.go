package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"plantdoc/internal/config"
	"plantdoc/internal/observability"
)

func TestNewBackendRejectsUnknownBackend(t *testing.T) {
	cfg := config.Config{PredictorBackend: "tensorflow"}
	if _, _, err := newBackend(context.Background(), cfg, zap.NewNop(), observability.NewMetrics()); err == nil || !strings.Contains(err.Error(), "tensorflow") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}

func TestNewBackendHTTP(t *testing.T) {
	cfg := config.Config{
		PredictorBackend: config.BackendHTTP,
		PredictorURL:     "http://model.test",
		PredictorPath:    "/v1/classify",
		LabelPath:        "label",
		ConfidencePath:   "confidence",
		RequestTimeout:   time.Second,
	}
	backend, closeFn, err := newBackend(context.Background(), cfg, zap.NewNop(), observability.NewMetrics())
	if err != nil {
		t.Fatalf("newBackend() error = %v", err)
	}
	defer closeFn()
	if backend == nil {
		t.Fatal("expected backend")
	}
}

func TestServeHTTPServerGracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		close(requestStarted)
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"disease":"rust"}`)
	})
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServer(server, 2*time.Second, zap.NewNop(), listener, signalCh)
	}()

	addr := listener.Addr().String()
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Post("http://"+addr+"/predict", "text/plain", strings.NewReader("x"))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
	case err := <-errCh:
		t.Fatalf("in-flight request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shut down cleanly: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
