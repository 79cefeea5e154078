package onnxmodel

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestPickArgmax(t *testing.T) {
	res, err := pick([]float32{0.1, 0.7, 0.2}, []string{"healthy", "rust", "leaf_spot"}, false)
	if err != nil {
		t.Fatalf("pick() error = %v", err)
	}
	if res.Label != "rust" || math.Abs(res.Confidence-0.7) > 1e-6 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPickSoftmax(t *testing.T) {
	res, err := pick([]float32{1, 1, 3}, []string{"a", "b", "c"}, true)
	if err != nil {
		t.Fatalf("pick() error = %v", err)
	}
	want := math.Exp(2) / (2 + math.Exp(2))
	if res.Label != "c" || math.Abs(res.Confidence-want) > 1e-5 {
		t.Fatalf("unexpected result: %+v want confidence %f", res, want)
	}
}

func TestPickEmpty(t *testing.T) {
	if _, err := pick(nil, []string{"a"}, false); err == nil {
		t.Fatal("expected error for empty scores")
	}
}

func TestLoadMetadataDefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	body := `{"input_shape":[1,3,224,224],"output_shape":[1,2],"classes":["healthy","rust"],"image_size":224,"mean":[0.485,0.456,0.406],"std":[0.229,0.224,0.225]}`
	if err := os.WriteFile(good, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	md, err := LoadMetadata(good)
	if err != nil {
		t.Fatalf("LoadMetadata() error = %v", err)
	}
	if md.InputName != "input" || md.OutputName != "output" {
		t.Fatalf("unexpected tensor names: %q %q", md.InputName, md.OutputName)
	}
	if norm := md.Normalization(); norm.Std[2] != 0.225 || norm.Mean[0] != 0.485 {
		t.Fatalf("unexpected normalization: %+v", norm)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"input_shape":[1,3,224,224],"output_shape":[1,3],"classes":["a"],"image_size":224}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadMetadata(bad); err == nil {
		t.Fatal("expected class/output mismatch to be rejected")
	}
}
