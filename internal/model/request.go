package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Purpose selects the model route and generation parameters for a run.
type Purpose string

const (
	PurposeOrchestration   Purpose = "orchestration"
	PurposeValidation      Purpose = "validation"
	PurposeBulkAnalysis    Purpose = "bulk_analysis"
	PurposeCreative        Purpose = "creative"
	PurposeGenericAnalysis Purpose = "generic_analysis"
)

// Instructions carries the prompt material for a run. Context is free-form
// caller-supplied data serialized into the user prompt.
type Instructions struct {
	System  string         `json:"system"`
	User    string         `json:"user"`
	Context map[string]any `json:"context,omitempty"`
}

// RunRequest is the input to one gateway invocation.
type RunRequest struct {
	WorkspaceID  string       `json:"workspace_id"`
	ActorID      *string      `json:"actor_id,omitempty"`
	AgentName    string       `json:"agent_name"`
	Purpose      Purpose      `json:"purpose"`
	Instructions Instructions `json:"instructions"`
}

// Validate checks the presence invariants of a run request. A violation is a
// client error: the request is rejected before admission and never touches
// the ledger.
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if strings.TrimSpace(r.AgentName) == "" {
		return fmt.Errorf("agent_name is required")
	}
	if strings.TrimSpace(string(r.Purpose)) == "" {
		return fmt.Errorf("purpose is required")
	}
	if strings.TrimSpace(r.Instructions.System) == "" {
		return fmt.Errorf("instructions.system is required")
	}
	if strings.TrimSpace(r.Instructions.User) == "" {
		return fmt.Errorf("instructions.user is required")
	}
	return nil
}

// Fingerprint returns a stable SHA-256 hex digest of the normalized request,
// used for audit correlation and dedup grouping. Field order is fixed; the
// free-form context object is deliberately excluded so that cosmetic context
// differences do not split correlation groups.
func (r RunRequest) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{r.WorkspaceID, r.AgentName, string(r.Purpose), r.Instructions.System, r.Instructions.User} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
