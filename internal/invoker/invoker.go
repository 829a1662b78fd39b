// Package invoker performs the call to the external completion API. It is
// the only component in the gateway that does network I/O, and it carries no
// retry logic of its own; retries are orchestrated above it.
package invoker

import (
	"context"

	"github.com/loomreach/loomreach/internal/routing"
)

// FailureKind classifies a failed invocation. All kinds are terminal for the
// current request lifecycle: none is expected to self-resolve fast enough to
// be worth an in-request retry.
type FailureKind string

const (
	FailureRateLimited    FailureKind = "rate_limited"
	FailureQuotaExhausted FailureKind = "quota_exhausted"
	FailureTransport      FailureKind = "transport_error"
	FailureEmptyResponse  FailureKind = "empty_response"
)

// Result is the outcome of one invocation: either raw text with usage
// counters, or a classified failure.
type Result struct {
	RawText   string
	TokensIn  int
	TokensOut int

	Failure FailureKind // empty on success
	Err     error       // underlying cause, for logging; nil on success
}

// OK reports whether the invocation produced usable text.
func (r Result) OK() bool { return r.Failure == "" }

// Invoker calls the external model.
type Invoker interface {
	Invoke(ctx context.Context, route routing.Route, systemText, userText string) Result
}
