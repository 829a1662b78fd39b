// Package model defines the core domain types for the Loomreach gateway.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible; the one exception is the undecoded model output, which stays
// untyped until the artifact validator has accepted it.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a gateway run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusSuccess  RunStatus = "success"
	RunStatusRetry    RunStatus = "retry"
	RunStatusFallback RunStatus = "fallback"
	RunStatusError    RunStatus = "error"
)

// Terminal reports whether s is a terminal status. A run record transitions
// from pending to exactly one terminal status and is never revisited.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusRetry || s == RunStatusFallback || s == RunStatusError
}

// RunRecord is the persisted outcome of one gateway invocation.
// Immutable once written except for the single pending → terminal transition.
type RunRecord struct {
	ID               uuid.UUID  `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	ActorID          *string    `json:"actor_id,omitempty"`
	AgentName        string     `json:"agent_name"`
	Purpose          Purpose    `json:"purpose"`
	ModelIdentifier  string     `json:"model_identifier"`
	InputFingerprint string     `json:"input_fingerprint"`
	Status           RunStatus  `json:"status"`
	TokensIn         int        `json:"tokens_in"`
	TokensOut        int        `json:"tokens_out"`
	CostEstimate     float64    `json:"cost_estimate"`
	DurationMS       int64      `json:"duration_ms"`
	Output           *Artifact  `json:"output,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
