package config

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusuite/hub/pkg/errors"
)

func testKeyHex() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return hex.EncodeToString(key)
}

func TestDefaultValidatesWithKey(t *testing.T) {
	cfg := Default()
	cfg.Credentials.EncryptionKey = testKeyHex()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "source", cfg.Sync.MergeTieBreak)
	assert.Equal(t, 2*time.Minute, cfg.Credentials.RefreshThreshold)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.Credentials.EncryptionKey = "" }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"bad tie break", func(c *Config) { c.Sync.MergeTieBreak = "random" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Credentials.EncryptionKey = testKeyHex()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	yaml := `
server:
  addr: ":9090"
sync:
  workers: 8
  merge_tie_break: target
credentials:
  encryption_key: "` + testKeyHex() + `"
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("HUB_SYNC_BATCH_SIZE", "250")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, "target", cfg.Sync.MergeTieBreak)
	assert.Equal(t, 250, cfg.Sync.BatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.Webhooks.SweepInterval)
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestDecodeKeyFormats(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(200 - i)
	}

	tests := []struct {
		name    string
		encoded string
	}{
		{"hex", hex.EncodeToString(key)},
		{"std base64", base64.StdEncoding.EncodeToString(key)},
		{"raw std base64", base64.RawStdEncoding.EncodeToString(key)},
		{"raw url base64", base64.RawURLEncoding.EncodeToString(key)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeKey(tt.encoded)
			require.NoError(t, err)
			assert.Equal(t, key, got)
		})
	}
}

func TestDecodeKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"not encoded", "definitely not a key!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeKey(tt.encoded)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}
