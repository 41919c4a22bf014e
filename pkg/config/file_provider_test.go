package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/pointcut"
	"github.com/polisai/polis-intercept/pkg/policy"
)

const samplePolicies = `
policies:
  - id: audit
    kind: log
    order: 10
  - id: tenant-throttle
    kind: throttle@v1
    order: 5
    scope: source
    pointcut:
      components: ["http-*"]
      condition: 'has(attributes.path) && attributes.path.startsWith("/api")'
    config:
      requestsPerSecond: 100
  - id: upstream-retry
    kind: retry
    scope: operation
    pointcut:
      components: ["http-request"]
  - id: legacy
    kind: deny
    disabled: true
`

func testRegistry() *policy.Registry {
	return policy.DefaultRegistry(policy.Dependencies{Logger: slog.New(slog.DiscardHandler)})
}

func ids(policies []domain.Policy) []string {
	out := make([]string, len(policies))
	for i, p := range policies {
		out[i] = p.ID()
	}
	return out
}

func TestParsePolicyFile(t *testing.T) {
	file, err := ParsePolicyFile([]byte(samplePolicies))
	require.NoError(t, err)
	require.Len(t, file.Policies, 4)
	assert.Equal(t, ScopeBoth, file.Policies[0].Scope, "scope defaults to both")
	assert.Equal(t, []string{"http-*"}, file.Policies[1].Pointcut.Components)

	empty, err := ParsePolicyFile(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Policies)
}

func TestParsePolicyFileRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: "policies:\n  - id: a\n    kind: log\n    colour: red\n"},
		{name: "missing id", content: "policies:\n  - kind: log\n"},
		{name: "missing kind", content: "policies:\n  - id: a\n"},
		{name: "duplicate id", content: "policies:\n  - id: a\n    kind: log\n  - id: a\n    kind: deny\n"},
		{name: "bad scope", content: "policies:\n  - id: a\n    kind: log\n    scope: everywhere\n"},
		{name: "not yaml", content: "policies: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicyFile([]byte(tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestCompileOrdersAndScopesPolicies(t *testing.T) {
	file, err := ParsePolicyFile([]byte(samplePolicies))
	require.NoError(t, err)
	snapshot, err := Compile(file, testRegistry(), 7)
	require.NoError(t, err)

	assert.Equal(t, int64(7), snapshot.Generation)
	assert.Equal(t, 3, snapshot.Len(), "disabled policies are skipped")

	api := pointcut.NewParameters("http-listener", map[string]any{"path": "/api/orders"}, nil)
	source, err := snapshot.SourcePolicies(api)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-throttle", "audit"}, ids(source))

	static := pointcut.NewParameters("http-listener", map[string]any{"path": "/static"}, nil)
	source, err = snapshot.SourcePolicies(static)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, ids(source))

	outbound := pointcut.NewParameters("http-request", nil, api)
	operation, err := snapshot.OperationPolicies(outbound)
	require.NoError(t, err)
	assert.Equal(t, []string{"upstream-retry", "audit"}, ids(operation))

	summaries := snapshot.Summaries()
	require.Len(t, summaries, 3)
	assert.Equal(t, "upstream-retry", summaries[0].ID)
	assert.Equal(t, ScopeOperation, summaries[0].Scope)
}

func TestCompileCollectsEveryError(t *testing.T) {
	file, err := ParsePolicyFile([]byte(`
policies:
  - id: a
    kind: teleport
  - id: b
    kind: log
    pointcut:
      condition: "attributes.path +"
  - id: c
    kind: log
    pointcut:
      components: ["[unclosed"]
  - id: d
    kind: log
    pointcut:
      condition: "attributes.path"
`))
	require.NoError(t, err)

	_, err = Compile(file, testRegistry(), 1)
	require.Error(t, err)

	var snapErr *SnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.Len(t, snapErr.Errs, 4)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.ErrorIs(t, err, domain.ErrUnknownPolicyKind)
}

func TestFilePolicyProviderLoadsAndReloads(t *testing.T) {
	path := writeFile(t, "policies.yaml", samplePolicies)
	provider, err := NewFilePolicyProvider(path, testRegistry(), ProviderOptions{})
	require.NoError(t, err)
	defer provider.Close()

	require.True(t, provider.IsPoliciesAvailable())
	assert.Equal(t, int64(1), provider.Current().Generation)

	var changed atomic.Int32
	provider.OnPoliciesChanged(func() { changed.Add(1) })
	updates := provider.Subscribe()
	assert.Equal(t, int64(1), (<-updates).Generation, "subscribers receive the current snapshot")

	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - id: only\n    kind: log\n"), 0o600))
	require.NoError(t, provider.Reload())
	assert.Equal(t, int32(1), changed.Load())
	assert.Equal(t, int64(2), (<-updates).Generation)

	found, err := provider.FindSourcePolicies(pointcut.NewParameters("any", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, ids(found))

	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - id: broken\n    kind: teleport\n"), 0o600))
	require.Error(t, provider.Reload())
	assert.Equal(t, int64(2), provider.Current().Generation, "failed reloads keep the previous snapshot")
	assert.Equal(t, int32(1), changed.Load())
}

func TestFilePolicyProviderStartsWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	provider, err := NewFilePolicyProvider(path, testRegistry(), ProviderOptions{})
	require.NoError(t, err)

	assert.False(t, provider.IsPoliciesAvailable())
	found, err := provider.FindOperationPolicies(pointcut.NewParameters("any", nil, nil))
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = NewFilePolicyProvider(writeFile(t, "bad.yaml", "policies:\n  - id: x\n    kind: teleport\n"), testRegistry(), ProviderOptions{})
	assert.ErrorIs(t, err, domain.ErrUnknownPolicyKind)
}

func TestFilePolicyProviderWatchesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")

	provider, err := NewFilePolicyProvider(path, testRegistry(), ProviderOptions{Watch: true, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer provider.Close()

	changed := make(chan struct{}, 8)
	provider.OnPoliciesChanged(func() { changed <- struct{}{} })

	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("policy file change was not picked up")
	}
	assert.True(t, provider.IsPoliciesAvailable())
	assert.Equal(t, 3, provider.Current().Len())
}
