package loomreach

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	invoker     ModelInvoker
	ledger      LedgerOverride
	runHooks    []RunHook
	extraRoutes func(mux *http.ServeMux)
}

// WithPort overrides the TCP port from config (LOOMREACH_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithInvoker replaces the default OpenAI-compatible model client.
// Use this to route calls through a different provider or a test double.
func WithInvoker(inv ModelInvoker) Option {
	return func(o *resolvedOptions) { o.invoker = inv }
}

// WithLedger replaces the Postgres-backed usage ledger. Only the last call
// wins. The run and evidence stores stay on Postgres regardless.
func WithLedger(l LedgerOverride) Option {
	return func(o *resolvedOptions) { o.ledger = l }
}

// WithRunHook registers a hook observing terminal runs. Hooks fire
// asynchronously after the response is formed; a slow hook never delays
// callers. Multiple hooks may be registered.
func WithRunHook(h RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, h) }
}

// WithExtraRoutes registers additional routes on the server mux before the
// middleware chain wraps it.
func WithExtraRoutes(fn func(mux *http.ServeMux)) Option {
	return func(o *resolvedOptions) { o.extraRoutes = fn }
}
