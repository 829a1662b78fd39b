// Package routing maps a run's purpose to a model route: the model
// identifier and generation parameters used for the external call.
//
// The table is immutable after construction and injected into the gateway;
// there is no ambient global routing state.
package routing

import "github.com/loomreach/loomreach/internal/model"

// Route is the derived call configuration for one purpose.
type Route struct {
	ModelIdentifier string
	Temperature     float64
	MaxOutputTokens int
}

// Table resolves purposes to routes. Construct once at process start with
// NewTable and pass it to the gateway.
type Table struct {
	routes   map[model.Purpose]Route
	fallback Route
}

// NewTable builds the default routing table.
func NewTable() *Table {
	generic := Route{ModelIdentifier: "gpt-4o-mini", Temperature: 0.2, MaxOutputTokens: 4096}
	return &Table{
		routes: map[model.Purpose]Route{
			model.PurposeOrchestration:   {ModelIdentifier: "gpt-4o", Temperature: 0.2, MaxOutputTokens: 4096},
			model.PurposeValidation:      {ModelIdentifier: "gpt-4o-mini", Temperature: 0.0, MaxOutputTokens: 2048},
			model.PurposeBulkAnalysis:    {ModelIdentifier: "gpt-4o-mini", Temperature: 0.3, MaxOutputTokens: 8192},
			model.PurposeCreative:        {ModelIdentifier: "gpt-4o", Temperature: 0.7, MaxOutputTokens: 4096},
			model.PurposeGenericAnalysis: generic,
		},
		fallback: generic,
	}
}

// Resolve returns the route for a purpose. Unknown purposes deterministically
// resolve to the generic_analysis route rather than erroring.
func (t *Table) Resolve(p model.Purpose) Route {
	if r, ok := t.routes[p]; ok {
		return r
	}
	return t.fallback
}
