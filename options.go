package kiroku

import (
	"log/slog"

	"github.com/ashita-ai/kiroku/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying options.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	databaseURL    string
	notifyURL      string
	redisURL       string
	mirrorPath     string
	rulesFile      string
	logger         *slog.Logger
	version        string
	publisher      Publisher
	rules          []Rule
	dryRun         bool
	skipMigrations bool
}

// apply writes the non-empty overrides into cfg.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.mirrorPath != "" {
		cfg.MirrorPath = o.mirrorPath
	}
	if o.rulesFile != "" {
		cfg.RulesFile = o.rulesFile
	}
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRedisURL enables publishing run summaries to Redis (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithMirrorPath enables the SQLite reporting mirror (KIROKU_MIRROR_PATH env var).
func WithMirrorPath(path string) Option {
	return func(o *resolvedOptions) { o.mirrorPath = path }
}

// WithRulesFile loads the rule set from a YAML file (KIROKU_RULES_FILE env var).
func WithRulesFile(path string) Option {
	return func(o *resolvedOptions) { o.rulesFile = path }
}

// WithRules installs rules directly. Takes precedence over any rules file.
func WithRules(rules ...Rule) Option {
	return func(o *resolvedOptions) { o.rules = append(o.rules, rules...) }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPublisher replaces the Redis publisher for run summaries.
func WithPublisher(p Publisher) Option {
	return func(o *resolvedOptions) { o.publisher = p }
}

// WithDryRun makes every enforcement run validation-only.
func WithDryRun(dryRun bool) Option {
	return func(o *resolvedOptions) { o.dryRun = dryRun }
}

// WithSkipMigrations skips the embedded schema migrations.
func WithSkipMigrations(skip bool) Option {
	return func(o *resolvedOptions) { o.skipMigrations = skip }
}
