package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Layering(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.yaml", `
rpc_url: wss://yaml.example/ws
backfill_window: 5000
tick_interval: 250ms
source: BUS
redis:
  enabled: true
  addr: redis:6379
latency_db:
  dsn: /tmp/latency.db
`)
	envFile := writeFile(t, dir, ".env", "VRFTIMER_RPC_URL=wss://dotenv.example/ws\nVRFTIMER_LISTEN_ADDR=:9090\n")

	s, err := Load(LoadOptions{
		Path:    cfg,
		EnvFile: envFile,
		Environ: []string{"VRFTIMER_LISTEN_ADDR=:7070", "VRFTIMER_RESOLVE_CONCURRENCY=3"},
	})
	require.NoError(t, err)
	require.Equal(t, "wss://dotenv.example/ws", s.RPCURL)
	require.Equal(t, ":7070", s.ListenAddr)
	require.Equal(t, 3, s.ResolveConcurrency)
	require.Equal(t, uint64(1000), s.BackfillWindow)
	require.Equal(t, 250*time.Millisecond, s.TickInterval)
	require.Equal(t, SourceBus, s.Source)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "vrf-timer", s.Redis.Group)
	require.Equal(t, "sqlite3", s.LatencyDB.Driver)
	require.NoError(t, s.Validate())
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(LoadOptions{Path: filepath.Join(dir, "nope.yaml"), Environ: []string{}})
	require.Error(t, err)

	t.Setenv("XDG_CONFIG_HOME", dir)
	s, err := Load(LoadOptions{EnvFile: filepath.Join(dir, "missing.env"), Environ: []string{}})
	require.NoError(t, err)
	require.Equal(t, DefaultContract, s.Contract)
}

func TestLoad_BadEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	_, err := Load(LoadOptions{EnvFile: filepath.Join(dir, "x.env"), Environ: []string{"VRFTIMER_TICK_INTERVAL=soon"}})
	require.Error(t, err)
	_, err = Load(LoadOptions{EnvFile: filepath.Join(dir, "x.env"), Environ: []string{"VRFTIMER_REDIS_ENABLED=maybe"}})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty rpc url", func(s *Settings) { s.RPCURL = "" }},
		{"bad contract", func(s *Settings) { s.Contract = "0x1234" }},
		{"zero contract", func(s *Settings) { s.Contract = "0x0000000000000000000000000000000000000000" }},
		{"bad account", func(s *Settings) { s.Account = "nope" }},
		{"zero window", func(s *Settings) { s.BackfillWindow = 0 }},
		{"zero tick", func(s *Settings) { s.TickInterval = 0 }},
		{"unknown source", func(s *Settings) { s.Source = "carrier-pigeon" }},
		{"bad driver", func(s *Settings) { s.LatencyDB = LatencyDB{Driver: "mysql", DSN: "x"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(&s)
			require.Error(t, s.Validate())
		})
	}

	s := Default()
	require.NoError(t, s.Validate())
	s.Source = SourceBus
	s.RPCURL = ""
	require.NoError(t, s.Validate())
}
