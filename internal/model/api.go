package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeInsufficientData   = "INSUFFICIENT_DATA"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// PollingRequest is the request body for PUT /v1/polling.
type PollingRequest struct {
	Enabled *bool `json:"enabled"`
}

// SelectRunRequest is the request body for PUT /v1/selection.
type SelectRunRequest struct {
	RunID string `json:"run_id"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Configured  bool   `json:"configured"`
	Polling     bool   `json:"polling"`
	LastError   string `json:"last_error,omitempty"`
	Settings    string `json:"settings"`
	Subscribers int    `json:"sse_subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}
