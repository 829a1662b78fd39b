package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomreach/loomreach/internal/model"
)

func TestResolve(t *testing.T) {
	table := NewTable()

	tests := []struct {
		name      string
		purpose   model.Purpose
		wantModel string
		wantTemp  float64
	}{
		{"orchestration", model.PurposeOrchestration, "gpt-4o", 0.2},
		{"validation is deterministic", model.PurposeValidation, "gpt-4o-mini", 0.0},
		{"bulk analysis", model.PurposeBulkAnalysis, "gpt-4o-mini", 0.3},
		{"creative runs hot", model.PurposeCreative, "gpt-4o", 0.7},
		{"generic analysis", model.PurposeGenericAnalysis, "gpt-4o-mini", 0.2},
		{"unknown falls back to generic", model.Purpose("unknown_value"), "gpt-4o-mini", 0.2},
		{"empty falls back to generic", model.Purpose(""), "gpt-4o-mini", 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := table.Resolve(tt.purpose)
			assert.Equal(t, tt.wantModel, r.ModelIdentifier)
			assert.Equal(t, tt.wantTemp, r.Temperature)
			assert.Positive(t, r.MaxOutputTokens)
		})
	}
}

func TestResolveUnknownIsStable(t *testing.T) {
	table := NewTable()
	first := table.Resolve("made_up_purpose")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, table.Resolve("made_up_purpose"))
	}
}
