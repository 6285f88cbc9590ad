package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every config lookup at a fresh temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SMOLIT_HOME", home)
	t.Setenv("SMOLIT_CONFIG", "")
	t.Setenv("SMOLIT_ENV_FILE", "")
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "lm_studio", cfg.ActiveEndpoint)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Endpoints["lm_studio"].APIBase)
	assert.Equal(t, EndpointTypeLlama, cfg.Endpoints["llama"].Type)
	assert.Equal(t, "knowledge", cfg.Dispatcher.DefaultExpert)
	assert.Equal(t, 30*time.Second, cfg.Tools.Exec.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Tools.Web.Timeout)
	assert.Equal(t, 10, cfg.Tools.Web.MaxLinks)
	assert.Equal(t, 120*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 2*time.Second, cfg.ModelServer.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.ModelServer.StartTimeout)
	assert.Len(t, cfg.Dispatcher.Triggers, 4)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Knowledge.QueryLimit)
	assert.Equal(t, filepath.Join(home, ".smolit", "knowledge.db"), cfg.Knowledge.Path)
}

func TestLoadFromFile(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := `{
		"activeEndpoint": "remote",
		"endpoints": {
			"remote": {"apiBase": "https://llm.example.com/v1", "apiKey": "${REMOTE_KEY}", "type": "openai"}
		},
		"dispatcher": {"defaultExpert": "command"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(content), 0o600))
	t.Setenv("REMOTE_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	active, err := cfg.Active()
	require.NoError(t, err)
	assert.Equal(t, "remote", active.Name)
	assert.Equal(t, "sk-test", active.APIKey)
	assert.Equal(t, "command", cfg.Dispatcher.DefaultExpert)
	_, hasDefault := cfg.Endpoints["lm_studio"]
	assert.False(t, hasDefault, "file endpoints replace the defaults")
}

func TestLoadInclude(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.json"), []byte(`{"session": {"maxTurns": 7}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"$include": "base.json", "model": {"maxTokens": 64}}`), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Session.MaxTurns)
	assert.Equal(t, 64, cfg.Model.MaxTokens)
}

func TestLoadIncludeCycle(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"$include": "config.json"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"$include": "a.json"}`), 0o600))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SMOLIT_EXEC_TIMEOUT", "5s")
	t.Setenv("SMOLIT_DISPATCHER_DEFAULT_EXPERT", "web")
	t.Setenv("SMOLIT_ACTIVE_ENDPOINT", "llama")
	t.Setenv("SMOLIT_SLACK_ALLOW_FROM", "U1,U2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Tools.Exec.Timeout)
	assert.Equal(t, "web", cfg.Dispatcher.DefaultExpert)
	assert.Equal(t, "llama", cfg.ActiveEndpoint)
	assert.Equal(t, []string{"U1", "U2"}, cfg.Channels.Slack.AllowFrom)
}

func TestLoadEnvFile(t *testing.T) {
	home := isolate(t)
	envPath := filepath.Join(home, "custom.env")
	content := "# comment\nexport SMOLIT_MODEL_MAX_TOKENS=99\nSMOLIT_BUS_TOPIC=\"turns.custom\"\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))
	t.Setenv("SMOLIT_ENV_FILE", envPath)
	t.Setenv("SMOLIT_BUS_TOPIC", "from-process")
	require.NoError(t, os.Unsetenv("SMOLIT_MODEL_MAX_TOKENS"))
	t.Cleanup(func() { os.Unsetenv("SMOLIT_MODEL_MAX_TOKENS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Model.MaxTokens)
	assert.Equal(t, "from-process", cfg.Bus.Topic, "process env wins over env file")
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.RemoveEndpoint("llama"))
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"lm_studio"}, loaded.EndpointNames())
}

func TestEndpointRegistry(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.AddEndpoint(Endpoint{Name: "groq", APIBase: "https://api.groq.com/openai/v1"}))
	assert.Equal(t, EndpointTypeOpenAI, cfg.Endpoints["groq"].Type)

	err := cfg.AddEndpoint(Endpoint{Name: "bad", APIBase: "http://x", Type: "grpc"})
	require.Error(t, err)
	require.Error(t, cfg.AddEndpoint(Endpoint{Name: "nobase"}))

	require.NoError(t, cfg.SetActiveEndpoint("groq"))
	assert.Equal(t, "groq", cfg.ActiveEndpoint)

	err = cfg.SetActiveEndpoint("missing")
	assert.True(t, errors.Is(err, ErrUnknownEndpoint))

	require.NoError(t, cfg.RemoveEndpoint("groq"))
	assert.Equal(t, "llama", cfg.ActiveEndpoint, "first remaining endpoint by name")

	require.NoError(t, cfg.RemoveEndpoint("llama"))
	require.NoError(t, cfg.RemoveEndpoint("lm_studio"))
	assert.Empty(t, cfg.ActiveEndpoint)
	_, err = cfg.Active()
	assert.True(t, errors.Is(err, ErrUnknownEndpoint))
	assert.True(t, errors.Is(cfg.RemoveEndpoint("lm_studio"), ErrUnknownEndpoint))
}
