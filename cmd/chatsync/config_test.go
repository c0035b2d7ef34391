package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for env := range envOverrides {
		t.Setenv(env, "")
	}
}

func configLine(t *testing.T, out, key string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), key+" ") {
			return strings.Join(strings.Fields(line), " ")
		}
	}
	t.Fatalf("no line for %s in:\n%s", key, out)
	return ""
}

func TestRenderConfig(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("CHATSYNC_TRANSPORT", "sse")

	cfg := &Config{
		Gateway:  ConfigGateway{BaseURL: "https://gw.example.com"},
		Auth:     ConfigAuth{Token: "tok_abcdef123456", UserID: "u1"},
		Realtime: ConfigRealtime{Transport: "ws", URL: "https://rt.example.com"},
	}
	applyEnv(cfg)

	var buf bytes.Buffer
	renderConfig(&buf, cfg, false)
	out := buf.String()

	for _, section := range []string{"[gateway]", "[auth]", "[realtime]", "[journal]", "[metrics]"} {
		assert.Contains(t, out, section+"\n")
	}
	assert.Less(t, strings.Index(out, "[gateway]"), strings.Index(out, "[auth]"))

	assert.Equal(t, "gateway.base_url https://gw.example.com", configLine(t, out, "gateway.base_url"))
	assert.Equal(t, "gateway.function chat-api # default", configLine(t, out, "gateway.function"))
	assert.Equal(t, "auth.token tok_...3456", configLine(t, out, "auth.token"))
	assert.Equal(t, "realtime.transport sse # from $CHATSYNC_TRANSPORT", configLine(t, out, "realtime.transport"))
	assert.Equal(t, "realtime.webhook_secret (not set)", configLine(t, out, "realtime.webhook_secret"))
	assert.NotContains(t, out, "tok_abcdef123456")

	buf.Reset()
	renderConfig(&buf, cfg, true)
	assert.Equal(t, "auth.token tok_abcdef123456", configLine(t, buf.String(), "auth.token"))
}

func TestSetConfigValueValidates(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "realtime.transport", "webhook"))
	assert.Equal(t, "webhook", cfg.Realtime.Transport)

	assert.Error(t, setConfigValue(cfg, "realtime.transport", "carrier-pigeon"))
	assert.Error(t, setConfigValue(cfg, "gateway.timeout", "soon"))
	assert.Error(t, setConfigValue(cfg, "token", "x"))
	assert.Error(t, setConfigValue(cfg, "auth.nope", "x"))
}

func TestEnvForReportsActiveOverride(t *testing.T) {
	clearEnvOverrides(t)
	assert.Empty(t, envFor("metrics.addr"))
	t.Setenv("CHATSYNC_METRICS_ADDR", ":9100")
	assert.Equal(t, "CHATSYNC_METRICS_ADDR", envFor("metrics.addr"))
}
