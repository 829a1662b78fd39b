// Package artifact decodes and validates model output against the agent
// artifact contract.
//
// Decoding and validation are deliberately separate steps: the raw response
// is first treated as an untyped JSON value, and only a validator pass that
// finds zero violations produces a typed model.Artifact. The shape is never
// assumed before validation succeeds.
package artifact

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomreach/loomreach/internal/model"
)

// Decode parses raw model output into an untyped JSON value. Responses
// wrapped in a fenced code block are tolerated: leading/trailing fence
// markers are stripped before parsing.
func Decode(raw string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(StripFences(raw)), &v); err != nil {
		return nil, false
	}
	return v, true
}

// StripFences removes a leading ```json (or bare ```) fence and a trailing
// ``` fence, if present.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// Validate checks a decoded JSON value against the artifact contract and
// returns either the typed artifact or every violation found. All violations
// are collected in one pass so a single repair prompt can address them all.
// A nil value (decode failure) reports the single violation "not valid JSON".
func Validate(decoded any) (model.Artifact, []string) {
	if decoded == nil {
		return model.Artifact{}, []string{"not valid JSON"}
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return model.Artifact{}, []string{"top-level value must be a JSON object"}
	}

	var violations []string
	var out model.Artifact

	out.Summary, violations = requireString(obj, "summary", violations)
	out.Risks, violations = stringSlice(obj, "risks", violations)
	out.Dependencies, violations = stringSlice(obj, "dependencies", violations)
	out.MetricsToWatch, violations = stringSlice(obj, "metrics_to_watch", violations)

	if v, ok := obj["requires_approval"]; !ok {
		violations = append(violations, `missing required field "requires_approval"`)
	} else if b, isBool := v.(bool); isBool {
		out.RequiresApproval = b
	} else {
		violations = append(violations, `"requires_approval" must be a boolean`)
	}

	actions, actionViolations := validateActions(obj)
	out.Actions = actions
	violations = append(violations, actionViolations...)

	if len(violations) > 0 {
		return model.Artifact{}, violations
	}
	return out, nil
}

func validateActions(obj map[string]any) ([]model.Action, []string) {
	var violations []string

	raw, ok := obj["actions"]
	if !ok {
		return nil, []string{`missing required field "actions"`}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, []string{`"actions" must be an array`}
	}

	actions := make([]model.Action, 0, len(list))
	seen := make(map[string]bool, len(list))

	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			violations = append(violations, fmt.Sprintf("actions[%d] must be an object", i))
			continue
		}

		var a model.Action
		a.ID, violations = requireStringAt(entry, "id", i, violations)
		a.Title, violations = requireStringAt(entry, "title", i, violations)
		a.Rationale, violations = requireStringAt(entry, "rationale", i, violations)

		if a.ID != "" {
			if seen[a.ID] {
				violations = append(violations, fmt.Sprintf("actions[%d] duplicate id %q", i, a.ID))
			}
			seen[a.ID] = true
		}

		kind, _ := entry["kind"].(string)
		switch model.ActionKind(kind) {
		case model.ActionKindRecommendation, model.ActionKindApprovalRequired, model.ActionKindAutoSafe:
			a.Kind = model.ActionKind(kind)
		default:
			violations = append(violations, fmt.Sprintf(
				`actions[%d] "kind" must be one of recommendation, approval_required, auto_safe (got %q)`, i, kind))
		}

		a.Impact, violations = requireLevel(entry, "impact", i, violations)
		a.Effort, violations = requireLevel(entry, "effort", i, violations)

		var stepErrs []string
		a.Steps, stepErrs = stringSliceAt(entry, "steps", i)
		violations = append(violations, stepErrs...)

		if _, ok := entry["depends_on"]; ok {
			var depErrs []string
			a.DependsOn, depErrs = stringSliceAt(entry, "depends_on", i)
			violations = append(violations, depErrs...)
		}
		if _, ok := entry["risks"]; ok {
			var riskErrs []string
			a.Risks, riskErrs = stringSliceAt(entry, "risks", i)
			violations = append(violations, riskErrs...)
		}

		actions = append(actions, a)
	}

	return actions, violations
}

func requireString(obj map[string]any, key string, violations []string) (string, []string) {
	v, ok := obj[key]
	if !ok {
		return "", append(violations, fmt.Sprintf("missing required field %q", key))
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", append(violations, fmt.Sprintf("%q must be a non-empty string", key))
	}
	return s, violations
}

func requireStringAt(entry map[string]any, key string, idx int, violations []string) (string, []string) {
	v, ok := entry[key]
	if !ok {
		return "", append(violations, fmt.Sprintf("actions[%d] missing required field %q", idx, key))
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", append(violations, fmt.Sprintf("actions[%d] %q must be a non-empty string", idx, key))
	}
	return s, violations
}

func requireLevel(entry map[string]any, key string, idx int, violations []string) (model.ActionLevel, []string) {
	s, _ := entry[key].(string)
	switch model.ActionLevel(s) {
	case model.ActionLevelHigh, model.ActionLevelMedium, model.ActionLevelLow:
		return model.ActionLevel(s), violations
	default:
		return "", append(violations, fmt.Sprintf(
			`actions[%d] %q must be one of high, medium, low (got %q)`, idx, key, s))
	}
}

func stringSlice(obj map[string]any, key string, violations []string) ([]string, []string) {
	v, ok := obj[key]
	if !ok {
		return nil, append(violations, fmt.Sprintf("missing required field %q", key))
	}
	list, ok := v.([]any)
	if !ok {
		return nil, append(violations, fmt.Sprintf("%q must be an array of strings", key))
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			violations = append(violations, fmt.Sprintf("%s[%d] must be a string", key, i))
			continue
		}
		out = append(out, s)
	}
	return out, violations
}

func stringSliceAt(entry map[string]any, key string, idx int) ([]string, []string) {
	v, ok := entry[key]
	if !ok {
		if key == "steps" {
			return nil, []string{fmt.Sprintf("actions[%d] missing required field %q", idx, key)}
		}
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, []string{fmt.Sprintf("actions[%d] %q must be an array of strings", idx, key)}
	}
	out := make([]string, 0, len(list))
	var violations []string
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			violations = append(violations, fmt.Sprintf("actions[%d] %s[%d] must be a string", idx, key, i))
			continue
		}
		out = append(out, s)
	}
	return out, violations
}
