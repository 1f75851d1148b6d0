package nagare

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL  string
	notifyURL    string
	engineURL    string
	engineAPIKey string
	logger       *slog.Logger
	version      string
	gateway      ScoringGateway
	resultHooks  []ResultHook
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithEngineURL overrides the scoring-engine base URL from config (NAGARE_ENGINE_URL env var).
// Ignored when WithGateway is set.
func WithEngineURL(url string) Option {
	return func(o *resolvedOptions) { o.engineURL = url }
}

// WithEngineAPIKey overrides the scoring-engine API key from config.
func WithEngineAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.engineAPIKey = key }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the reported service version (shown in telemetry).
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGateway replaces the built-in HTTP scoring-engine client.
func WithGateway(gw ScoringGateway) Option {
	return func(o *resolvedOptions) { o.gateway = gw }
}

// WithResultHook registers a hook invoked for every published anomaly
// envelope. May be used multiple times; hooks run in registration order.
func WithResultHook(hook ResultHook) Option {
	return func(o *resolvedOptions) { o.resultHooks = append(o.resultHooks, hook) }
}
