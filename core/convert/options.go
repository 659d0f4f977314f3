package convert

import (
	"log/slog"
)

// Option configures a Context.
type Option func(*config)

type config struct {
	prefix    string
	divisions int
	logger    *slog.Logger
	policies  map[Concern]Policy
	report    *Report
}

func defaultConfig() config {
	return config{
		prefix:    "sb",
		divisions: 1,
		logger:    slog.Default(),
	}
}

// WithIDPrefix sets the prefix used by FreshID (e.g., "ly", "mx").
func WithIDPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithDivisions sets the initial divisions per quarter note.
func WithDivisions(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.divisions = n
		}
	}
}

// WithLogger sets the logger used for span diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPolicy overrides the resolver policy for one concern.
func WithPolicy(concern Concern, p Policy) Option {
	return func(c *config) {
		if c.policies == nil {
			c.policies = make(map[Concern]Policy)
		}
		c.policies[concern] = p
	}
}

// WithReport makes the context record into an existing report.
func WithReport(r *Report) Option {
	return func(c *config) {
		c.report = r
	}
}
