package model

import (
	"time"

	"github.com/google/uuid"
)

// Confidence grades how much signal an evidence bundle extracted from a run.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// EvidenceBundle is a derived, read-only audit summary of a completed run.
// One bundle exists per run; re-recording replaces the previous bundle.
type EvidenceBundle struct {
	ID             uuid.UUID          `json:"id"`
	RunID          uuid.UUID          `json:"run_id"`
	WorkspaceID    string             `json:"workspace_id"`
	KeyMetrics     map[string]float64 `json:"key_metrics"`
	Confidence     Confidence         `json:"confidence"`
	ReasoningTrace []string           `json:"reasoning_trace"`
	CreatedAt      time.Time          `json:"created_at"`
}
