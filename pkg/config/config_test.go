package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
port: 4433
subject_alt_names: [replicate.example.com]
transport: quic
tick_interval: 50ms
database: /var/lib/replicate.db
require_auth: true
`))
	require.NoError(t, err)

	want := Default()
	want.Port = 4433
	want.SubjectAltNames = []string{"replicate.example.com"}
	want.Transport = TransportQUIC
	want.TickInterval = 50 * time.Millisecond
	want.Database = "/var/lib/replicate.db"
	want.RequireAuth = true
	assert.Equal(t, want, cfg)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("prot: 1\n"))
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	cfg.Transport = "carrier-pigeon"
	cfg.TickInterval = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "port 70000 out of range")
	assert.ErrorContains(t, err, `unknown transport "carrier-pigeon"`)
	assert.ErrorContains(t, err, "tick_interval must be positive")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("codec: msgpack\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", cfg.Codec)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
