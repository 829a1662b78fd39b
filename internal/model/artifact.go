package model

// ActionKind classifies how an action may be applied.
type ActionKind string

const (
	ActionKindRecommendation   ActionKind = "recommendation"
	ActionKindApprovalRequired ActionKind = "approval_required"
	ActionKindAutoSafe         ActionKind = "auto_safe"
)

// ActionLevel grades an action's impact or effort.
type ActionLevel string

const (
	ActionLevelHigh   ActionLevel = "high"
	ActionLevelMedium ActionLevel = "medium"
	ActionLevelLow    ActionLevel = "low"
)

// Action is one concrete step inside an artifact. IDs are unique within the
// artifact; DependsOn references other action IDs in the same artifact.
type Action struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Kind      ActionKind  `json:"kind"`
	Impact    ActionLevel `json:"impact"`
	Effort    ActionLevel `json:"effort"`
	Rationale string      `json:"rationale"`
	Steps     []string    `json:"steps"`
	DependsOn []string    `json:"depends_on,omitempty"`
	Risks     []string    `json:"risks,omitempty"`
}

// Artifact is the required shape of a successful model response. An artifact
// missing any top-level required field is invalid as a whole, never partially
// accepted.
type Artifact struct {
	Summary          string   `json:"summary"`
	Actions          []Action `json:"actions"`
	Risks            []string `json:"risks"`
	Dependencies     []string `json:"dependencies"`
	MetricsToWatch   []string `json:"metrics_to_watch"`
	RequiresApproval bool     `json:"requires_approval"`
}
