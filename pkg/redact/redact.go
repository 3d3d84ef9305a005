// Package redact masks credential-looking spans in text before the text
// leaves the process inside a provider prompt. Patterns favor precision over
// recall: quoted assignment values and well-known token formats, so ordinary
// identifiers in source code survive untouched.
package redact

import (
	"log/slog"
	"regexp"
)

// Marker replaces every masked span.
const Marker = "***MASKED_SECRET***"

// rule pairs a compiled pattern with its expansion template. Templates may
// reference capture groups to preserve the surrounding key name and quotes.
type rule struct {
	name     string
	re       *regexp.Regexp
	template string
}

var builtins = []rule{
	{
		name:     "private_key_block",
		re:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		template: Marker,
	},
	{
		name:     "bearer_token",
		re:       regexp.MustCompile(`(?i)\b(bearer[ \t]+)[A-Za-z0-9_\-.=]{16,}`),
		template: "${1}" + Marker,
	},
	{
		name:     "credential_assignment",
		re:       regexp.MustCompile(`(?i)\b((?:api[_-]?key|apikey|auth[_-]?token|access[_-]?token|secret[_-]?key|client[_-]?secret|password|passwd|pwd|token|jwt)\w*["']?\s*[:=]+\s*["'])([^"']{6,}?)(["'])`),
		template: "${1}" + Marker + "${3}",
	},
	{
		name:     "aws_access_key",
		re:       regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		template: Marker,
	},
	{
		name:     "github_token",
		re:       regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
		template: Marker,
	},
	{
		name:     "slack_token",
		re:       regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`),
		template: Marker,
	},
}

// Redactor applies the built-in pattern set. Stateless beyond its flag, so a
// single instance is shared across goroutines.
type Redactor struct {
	enabled bool
	logger  *slog.Logger
}

func New(enabled bool, logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redactor{
		enabled: enabled,
		logger:  logger.With("component", "redact"),
	}
}

// Apply masks every credential-looking span in text. A disabled redactor
// returns text untouched. Apply is idempotent: the marker never re-expands.
func (r *Redactor) Apply(text string) string {
	if !r.enabled || text == "" {
		return text
	}
	masked := text
	for _, ru := range builtins {
		masked = ru.re.ReplaceAllString(masked, ru.template)
	}
	if masked != text {
		r.logger.Debug("masked credential-looking spans in prompt text")
	}
	return masked
}
