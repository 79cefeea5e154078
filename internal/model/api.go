package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type RootResponse struct {
	Name   string `json:"name"`
	Docs   string `json:"docs"`
	Health string `json:"health"`
}

// Prediction always serializes every key; absent values are encoded as null.
type Prediction struct {
	Disease    string   `json:"disease"`
	Confidence float64  `json:"confidence"`
	Treatment  *string  `json:"treatment"`
	LatencyMS  *float64 `json:"latency_ms"`
}
