package machi

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port       int
	stateURL   string
	rosterPath string
	logger     *slog.Logger
	version    string
	responder  Responder
	persister  Persister
	eventHooks []EventHook
	seed       uint64
}

// WithPort overrides the TCP port from config (MACHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStateURL overrides where snapshots are kept (MACHI_STATE_URL env var),
// e.g. file://town.json.zst, sqlite://town.db or postgres://...
// Ignored when WithPersister is set.
func WithStateURL(url string) Option {
	return func(o *resolvedOptions) { o.stateURL = url }
}

// WithRoster loads the town roster from a YAML file instead of the built-in
// nine residents (MACHI_ROSTER_PATH env var).
func WithRoster(path string) Option {
	return func(o *resolvedOptions) { o.rosterPath = path }
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

// WithResponder replaces the configured responder chain. The stock
// placeholder still answers when r reports ErrUnavailable.
func WithResponder(r Responder) Option {
	return func(o *resolvedOptions) { o.responder = r }
}

// WithPersister replaces the snapshot backend selected by the state URL.
func WithPersister(p Persister) Option {
	return func(o *resolvedOptions) { o.persister = p }
}

// WithEventHook registers a hook that receives every town event.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithSeed fixes the random source of the simulation (MACHI_SIM_SEED env
// var) so runs are reproducible. Zero keeps the configured value.
func WithSeed(seed uint64) Option {
	return func(o *resolvedOptions) { o.seed = seed }
}
