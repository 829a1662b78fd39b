package artifact

import "github.com/loomreach/loomreach/internal/model"

// Fallback synthesizes a minimal artifact for a run that produced no valid
// model output. The artifact always demands approval and carries a
// manual-review notice so the failure is explained in plain language; it is
// never itself retried.
func Fallback(description string) model.Artifact {
	return model.Artifact{
		Summary:          description,
		Actions:          []model.Action{},
		Risks:            []string{"Automated analysis failed; this result requires manual review before any action is taken."},
		Dependencies:     []string{},
		MetricsToWatch:   []string{},
		RequiresApproval: true,
	}
}
