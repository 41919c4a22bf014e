package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Redaction strategies understood by Redactor.
const (
	StrategyDrop    = "drop"
	StrategyMask    = "mask"
	StrategyHash    = "hash"
	StrategyReplace = "replace"
)

var defaultDenyList = []string{"authorization", "password", "secret", "token", "cookie", "api_key"}

// Redactor decides how variables and attributes are rendered in diagnostics.
// Names are matched case-insensitively; deny-listed substrings are always dropped.
type Redactor struct {
	strategies map[string]string
	deny       []string
}

// NewRedactor builds a redactor from explicit per-name strategies. The default
// deny-list is always applied.
func NewRedactor(strategies map[string]string) *Redactor {
	r := &Redactor{
		strategies: make(map[string]string, len(strategies)),
		deny:       defaultDenyList,
	}
	for name, strategy := range strategies {
		r.strategies[strings.ToLower(name)] = strings.ToLower(strategy)
	}
	return r
}

// Redact returns the rendered value and whether it should be kept at all.
func (r *Redactor) Redact(name string, value any) (any, bool) {
	key := strings.ToLower(name)
	if r != nil {
		for _, denied := range r.deny {
			if strings.Contains(key, denied) {
				return nil, false
			}
		}
	}

	strategy := ""
	if r != nil {
		strategy = r.strategies[key]
	}
	switch strategy {
	case StrategyDrop:
		return nil, false
	case StrategyMask:
		return maskValue(fmt.Sprint(value)), true
	case StrategyHash:
		return hashValue(fmt.Sprint(value)), true
	case StrategyReplace, "redact":
		return "[REDACTED]", true
	default:
		return value, true
	}
}

// LogAttr renders a variable set as a single slog group with redaction applied.
// Keys are emitted in sorted order so log lines are stable.
func (r *Redactor) LogAttr(group string, vars map[string]any) slog.Attr {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]any, 0, len(names))
	for _, name := range names {
		if value, keep := r.Redact(name, vars[name]); keep {
			attrs = append(attrs, slog.Any(name, value))
		}
	}
	return slog.Group(group, attrs...)
}

// maskValue shows partial data for debugging while protecting sensitive portions.
// Shows first 4 and last 4 characters with *** in between (e.g., "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic hex digest for correlation tracking.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:4]) + "]"
}
