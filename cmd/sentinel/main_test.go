package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/inference"
	"cybersentinel/pkg/ratelimit"
	"cybersentinel/pkg/structlog"
	"cybersentinel/shared/config"
)

// isolateEnv keeps the developer's environment out of config loading.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SENTINEL_DATABASE_URL", "DATABASE_URL",
		"SENTINEL_REDIS_URL", "REDIS_URL",
		"SENTINEL_REASONING_PROVIDER", "SENTINEL_AUTH_SECRET",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "SENTINEL_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
	cfgFile = ""
	envFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	logLevel = "error"
}

func TestParseEvents_RequestBody(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := []byte(`{"tenant_id":"acme","events":[
		{"source":"edr","event_type":"process_start","payload":{"image":"cmd.exe"}},
		{"source":"fw","event_type":"deny","timestamp":"2026-01-01T00:00:00Z"}]}`)

	tenant, events, err := parseEvents(raw, "", now)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
	require.Len(t, events, 2)
	assert.Equal(t, now, events[0].Timestamp)
	assert.Equal(t, "cmd.exe", events[0].Payload["image"])
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), events[1].Timestamp)
}

func TestParseEvents_BareArrayNeedsTenant(t *testing.T) {
	raw := []byte(`[{"source":"edr","event_type":"login"}]`)

	_, _, err := parseEvents(raw, "", time.Now())
	assert.Error(t, err)

	tenant, events, err := parseEvents(raw, "globex", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "globex", tenant)
	assert.Len(t, events, 1)
}

func TestParseEvents_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `nope`,
		"no events":      `{"tenant_id":"acme","events":[]}`,
		"missing type":   `{"tenant_id":"acme","events":[{"source":"edr"}]}`,
		"missing source": `{"tenant_id":"acme","events":[{"event_type":"x"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseEvents([]byte(raw), "", time.Now())
			assert.Error(t, err)
		})
	}
}

func TestNewReasoner(t *testing.T) {
	r, err := newReasoner(config.ReasoningConfig{Provider: config.ProviderStatic})
	require.NoError(t, err)
	assert.IsType(t, &inference.StaticReasoner{}, r)

	r, err = newReasoner(config.ReasoningConfig{Provider: "GEMINI", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &inference.GeminiReasoner{}, r)

	r, err = newReasoner(config.ReasoningConfig{Provider: config.ProviderBedrock, Region: "eu-west-1"})
	require.NoError(t, err)
	assert.IsType(t, &inference.BedrockReasoner{}, r)

	_, err = newReasoner(config.ReasoningConfig{Provider: "oracle"})
	assert.Error(t, err)
}

func TestBuildApp_InMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Secret = "wiring-test"

	a, err := buildApp(context.Background(), cfg, structlog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &incident.MemoryStore{}, a.store)
	assert.Nil(t, a.db)
	assert.Nil(t, a.relay)
	assert.NotNil(t, a.tokens)
	assert.NoError(t, a.Ping(context.Background()))

	res, err := a.orch.Analyze(context.Background(), "acme", []incident.Event{
		{Source: "edr", Type: "process_start", Payload: map[string]any{"note": "ransomware"}, Timestamp: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAnalyzing, res.Incident.Status)
	assert.Empty(t, res.AuditGaps)
}

func TestBuildApp_BadPolicyFile(t *testing.T) {
	cfg := config.Default()
	cfg.Policy.Path = filepath.Join(t.TempDir(), "absent.rego")

	_, err := buildApp(context.Background(), cfg, structlog.Nop())
	assert.Error(t, err)
}

func TestAnalyzeCommand(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"source":"edr","event_type":"process_start","payload":{"note":"ransomware dropper"}}]`), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"analyze", "--tenant", "acme", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		analyzeTenant = ""
	})
	require.NoError(t, rootCmd.Execute())

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.NotEmpty(t, body["incident_id"])
	assert.Equal(t, string(incident.StatusAnalyzing), body["status"])
	assert.Contains(t, body, "plan")
}

func TestTokenIssueCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SENTINEL_AUTH_SECRET", "cli-secret")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "issue", "acme", "--subject", "soc-bot"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	var body struct {
		Token    string `json:"token"`
		TenantID string `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Equal(t, "acme", body.TenantID)

	cfg, err := loadConfig()
	require.NoError(t, err)
	tm, closeFn, err := tokenManager(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()
	claims, err := tm.VerifyTenant(context.Background(), body.Token, "acme")
	require.NoError(t, err)
	assert.Equal(t, "soc-bot", claims.Subject)
}

func TestTokenRevokeRequiresRedis(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SENTINEL_AUTH_SECRET", "cli-secret")

	rootCmd.SetArgs([]string{"token", "revoke", "abc"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	assert.Error(t, rootCmd.Execute())
}

func TestBuildApp_LocalRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Requests = 3

	a, err := buildApp(context.Background(), cfg, structlog.Nop())
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &ratelimit.LocalLimiter{}, a.limiter)
}

func TestApplyServerTimeouts(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 0.25, reasoningPolicy(cfg.Reasoning).JitterFraction)

	applyServerTimeouts(cfg)
	// five calls of 108.75s each plus slack
	assert.Equal(t, 5*108750*time.Millisecond+syncSlack, cfg.Server.SyncTimeout)
	assert.Equal(t, cfg.Server.SyncTimeout+syncSlack, cfg.Server.WriteTimeout)

	explicit := config.Default()
	explicit.Server.SyncTimeout = time.Minute
	applyServerTimeouts(explicit)
	assert.Equal(t, time.Minute, explicit.Server.SyncTimeout)
	assert.Equal(t, 5*time.Minute, explicit.Server.WriteTimeout)
}
