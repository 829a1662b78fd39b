// Package pricing estimates the monetary cost of a model call from its token
// usage. Estimation is pure and never errors: cost must never block a
// response from reaching the caller.
package pricing

// modelPrice is the cost in USD per million input/output tokens.
type modelPrice struct {
	inputPerMillion  float64
	outputPerMillion float64
}

// defaultModel is used for unknown model identifiers.
const defaultModel = "gpt-4o-mini"

// Estimator maps (model, tokens in, tokens out) to an estimated USD amount
// using a static price table. Construct with NewEstimator.
type Estimator struct {
	prices map[string]modelPrice
}

// NewEstimator builds the static price table.
func NewEstimator() *Estimator {
	return &Estimator{
		prices: map[string]modelPrice{
			"gpt-4o":      {inputPerMillion: 2.50, outputPerMillion: 10.00},
			"gpt-4o-mini": {inputPerMillion: 0.15, outputPerMillion: 0.60},
		},
	}
}

// Estimate returns the estimated cost in USD. Unknown model identifiers use
// the default model's pricing. Negative token counts are treated as zero.
func (e *Estimator) Estimate(modelID string, tokensIn, tokensOut int) float64 {
	p, ok := e.prices[modelID]
	if !ok {
		p = e.prices[defaultModel]
	}
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}
	return float64(tokensIn)/1e6*p.inputPerMillion + float64(tokensOut)/1e6*p.outputPerMillion
}
