// Package evidence derives audit bundles from terminal run records.
//
// A bundle is a pure read of the run record: deriving it never mutates the
// record, and deriving it twice yields the same key metrics and confidence,
// so persistence can safely use replace semantics.
package evidence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomreach/loomreach/internal/model"
)

// Record derives the evidence bundle for a terminal run. Runs that ended in
// a hard error before any model output existed have nothing to derive from;
// callers skip them.
func Record(run model.RunRecord) model.EvidenceBundle {
	bundle := model.EvidenceBundle{
		ID:          uuid.New(),
		RunID:       run.ID,
		WorkspaceID: run.WorkspaceID,
		KeyMetrics:  map[string]float64{},
		CreatedAt:   time.Now().UTC(),
	}

	if run.Output != nil {
		extractMetrics(*run.Output, bundle.KeyMetrics)
	}

	if len(bundle.KeyMetrics) > 0 {
		bundle.Confidence = model.ConfidenceMedium
	} else {
		bundle.Confidence = model.ConfidenceLow
	}

	bundle.ReasoningTrace = buildTrace(run, bundle.KeyMetrics)
	return bundle
}

// extractMetrics pulls a bounded set of named counts from the artifact.
func extractMetrics(art model.Artifact, metrics map[string]float64) {
	if len(art.Actions) > 0 {
		metrics["action_count"] = float64(len(art.Actions))

		byKind := map[model.ActionKind]int{}
		highImpact := 0
		for _, a := range art.Actions {
			byKind[a.Kind]++
			if a.Impact == model.ActionLevelHigh {
				highImpact++
			}
		}
		if n := byKind[model.ActionKindAutoSafe]; n > 0 {
			metrics["auto_safe_actions"] = float64(n)
		}
		if n := byKind[model.ActionKindApprovalRequired]; n > 0 {
			metrics["approval_required_actions"] = float64(n)
		}
		if highImpact > 0 {
			metrics["high_impact_actions"] = float64(highImpact)
		}
	}
	if len(art.Risks) > 0 {
		metrics["risk_count"] = float64(len(art.Risks))
	}
	if len(art.Dependencies) > 0 {
		metrics["dependency_count"] = float64(len(art.Dependencies))
	}
	if len(art.MetricsToWatch) > 0 {
		metrics["watch_metric_count"] = float64(len(art.MetricsToWatch))
	}
}

// buildTrace produces a short (1-3 step) description of what was observed
// and what was concluded.
func buildTrace(run model.RunRecord, metrics map[string]float64) []string {
	trace := []string{
		fmt.Sprintf("Run %s (%s) for agent %q finished with status %s in %dms.",
			run.ID, run.Purpose, run.AgentName, run.Status, run.DurationMS),
	}

	switch {
	case run.Status == model.RunStatusFallback:
		trace = append(trace, "No valid model output was obtained; the recorded artifact is a synthesized fallback awaiting manual review.")
	case len(metrics) > 0:
		trace = append(trace, fmt.Sprintf("Extracted %d key metrics from the artifact (%d actions proposed).",
			len(metrics), int(metrics["action_count"])))
	default:
		trace = append(trace, "The artifact contained no countable content; confidence is low.")
	}

	if run.Status == model.RunStatusRetry {
		trace = append(trace, "The artifact was accepted only after a repair retry; treat field-level values with added scrutiny.")
	}
	return trace
}
