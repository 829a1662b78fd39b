package model

import (
	"time"

	"github.com/google/uuid"
)

// Error codes returned in the API error envelope.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeQuotaExceeded = "quota_exceeded"
	ErrCodeInternal      = "internal_error"
)

// Usage summarizes the resource consumption of one run.
type Usage struct {
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostEstimate float64 `json:"cost_estimate"`
	DurationMS   int64   `json:"duration_ms"`
}

// RunResponse is the gateway's outbound payload for a completed run.
// Status is one of success, retry, fallback, error; quota denials are
// reported separately with status "quota_exceeded" and no artifact so the
// caller can distinguish "upgrade your plan" from "try again later".
type RunResponse struct {
	Success  bool      `json:"success"`
	Status   string    `json:"status"`
	RunID    uuid.UUID `json:"run_id"`
	Artifact *Artifact `json:"artifact,omitempty"`
	Usage    Usage     `json:"usage"`
	Reason   string    `json:"reason,omitempty"`
}

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}
