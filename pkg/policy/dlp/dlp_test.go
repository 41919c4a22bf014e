package dlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultScanner(t *testing.T) *Scanner {
	t.Helper()
	rules, err := ResolveRules(nil, nil)
	require.NoError(t, err)
	s, err := NewScanner(rules)
	require.NoError(t, err)
	return s
}

func TestScanRedactsBuiltinRules(t *testing.T) {
	s := defaultScanner(t)

	report, err := s.Scan(context.Background(), "payload", "mail a@example.com, ssn 123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, "mail [REDACTED:email], ssn [REDACTED:ssn]", report.Redacted)
	assert.False(t, report.Blocked)
	assert.True(t, report.RedactionsApplied())
	require.Len(t, report.Findings, 2)
	assert.Equal(t, "email", report.Findings[0].Rule)
	assert.Equal(t, "ssn", report.Findings[1].Rule)
	assert.Equal(t, "payload", report.Findings[0].Field)
}

func TestScanBlockAndAllowRules(t *testing.T) {
	s, err := NewScanner([]Rule{
		{Name: "secret", Pattern: `top-secret`, Action: ActionBlock},
		{Name: "ticket", Pattern: `JIRA-\d+`, Action: ActionAllow},
	})
	require.NoError(t, err)

	report, err := s.Scan(context.Background(), "payload", "JIRA-12 is top-secret")
	require.NoError(t, err)
	assert.True(t, report.Blocked)
	assert.False(t, report.RedactionsApplied())
	assert.Equal(t, "JIRA-12 is top-secret", report.Redacted)
	assert.Len(t, report.Findings, 2)
}

func TestScanAttributesRecurses(t *testing.T) {
	s := defaultScanner(t)

	out, report, err := s.ScanAttributes(context.Background(), map[string]any{
		"path":    "/users",
		"headers": map[string]any{"x-user": "bob@example.com"},
		"count":   3,
	})
	require.NoError(t, err)
	assert.Equal(t, "/users", out["path"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "[REDACTED:email]", out["headers"].(map[string]any)["x-user"])
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "headers.x-user", report.Findings[0].Field)
}

func TestNewScannerReportsEveryInvalidRule(t *testing.T) {
	_, err := NewScanner([]Rule{
		{Pattern: "x"},
		{Name: "empty"},
		{Name: "bad", Pattern: "("},
		{Name: "odd", Pattern: "x", Action: "quarantine"},
	})
	require.Error(t, err)
	for _, want := range []string{"rule name is required", "pattern is required", "invalid pattern for rule bad", `unsupported action "quarantine"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestResolveRules(t *testing.T) {
	rules, err := ResolveRules([]string{"API_KEY", "private_key"}, []Rule{{Name: "custom", Pattern: "c"}})
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "api_key", rules[0].Name)
	assert.Equal(t, ActionBlock, rules[1].Action)

	_, err = ResolveRules([]string{"passport"}, nil)
	assert.ErrorContains(t, err, "unknown builtin rule")
}

func TestScanHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := defaultScanner(t).Scan(ctx, "payload", "a@example.com")
	assert.ErrorIs(t, err, context.Canceled)
}
