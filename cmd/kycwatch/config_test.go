package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/livestatus/devserver"
)

const testConfig = `
base_url: https://kyc.example.com/
token: file-token
client:
  max_attempts: 3
  poll_interval: 3s
  push_probe_interval: 1m
server:
  addr: 0.0.0.0:9000
  secret: from-file
  keepalive: 5s
`

func setupApp(t *testing.T, content string) *app {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/kycwatch.yaml", []byte(content), 0o644))
	a := &app{v: viper.New(), fs: fs, cfgFile: "/etc/kycwatch.yaml"}
	a.v.SetFs(fs)
	return a
}

func TestSettings_FromConfigFile(t *testing.T) {
	a := setupApp(t, testConfig)
	require.NoError(t, a.readConfig())

	s, err := a.settings()
	require.NoError(t, err)
	assert.Equal(t, "https://kyc.example.com", s.BaseURL)
	assert.Equal(t, "wss://kyc.example.com/api/kyc/{subject}/stream", s.StreamURL)
	assert.Equal(t, "file-token", s.Token)
	assert.Equal(t, 3, s.Client.MaxAttempts)
	assert.Equal(t, 3*time.Second, s.Client.PollInterval)
	assert.Equal(t, time.Minute, s.Client.PushProbeInterval)
	assert.Equal(t, time.Second, s.Client.BaseDelay)
	assert.Equal(t, "0.0.0.0:9000", s.Server.Addr)
	assert.Equal(t, 5*time.Second, s.Server.Keepalive)
	assert.NoError(t, s.Client.Validate())
}

func TestSettings_EnvOverridesFile(t *testing.T) {
	t.Setenv("KYCWATCH_TOKEN", "env-token")
	t.Setenv("KYCWATCH_CLIENT_MAX_ATTEMPTS", "9")

	a := setupApp(t, testConfig)
	require.NoError(t, a.readConfig())
	s, err := a.settings()
	require.NoError(t, err)
	assert.Equal(t, "env-token", s.Token)
	assert.Equal(t, 9, s.Client.MaxAttempts)
}

func TestReadConfig_MissingExplicitFile(t *testing.T) {
	a := &app{v: viper.New(), fs: afero.NewMemMapFs(), cfgFile: "/nope.yaml"}
	a.v.SetFs(a.fs)
	assert.Error(t, a.readConfig())
}

func TestStreamURLFor(t *testing.T) {
	assert.Equal(t, "ws://localhost:8089/api/kyc/{subject}/stream", streamURLFor("http://localhost:8089"))
	assert.Equal(t, "wss://api.example.com/v1/api/kyc/{subject}/stream", streamURLFor("https://api.example.com/v1"))
}

func TestTokenCmd_UsesConfigSecret(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte(testConfig), 0o644))

	var out bytes.Buffer
	root := newRootCmd(fs)
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", "/cfg.yaml", "token", "--subject", "u1", "--ttl", "1h"})
	require.NoError(t, root.Execute())

	claims, err := devserver.ValidateToken([]byte("from-file"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
}

func TestTokenCmd_FlagOverridesSecret(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte(testConfig), 0o644))

	var out bytes.Buffer
	root := newRootCmd(fs)
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", "/cfg.yaml", "token", "--secret", "from-flag"})
	require.NoError(t, root.Execute())

	claims, err := devserver.ValidateToken([]byte("from-flag"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, devserver.AnySubject, claims.Subject)
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(afero.NewMemMapFs())
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "kycwatch dev")
}
