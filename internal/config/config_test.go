package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() Params {
	return Params{
		Addr:           "localhost:8080",
		RegistryDriver: "sqlite3",
		RegistryDSN:    "file:rooms.db",
		DataDir:        "chat_rooms",
		SigningKey:     "c29tZV9zZWNyZXQ=",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func TestNewConfig(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(p *Params)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(p *Params) {},
			err:    false,
		},
		{
			name:   "empty address",
			modify: func(p *Params) { p.Addr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(p *Params) { p.RegistryDSN = "" },
			err:    true,
		},
		{
			name:   "empty data dir",
			modify: func(p *Params) { p.DataDir = "" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(p *Params) { p.SigningKey = "" },
			err:    true,
		},
		{
			name:   "invalid signing key",
			modify: func(p *Params) { p.SigningKey = "invalid_base64" },
			err:    true,
		},
		{
			name:   "unsupported driver",
			modify: func(p *Params) { p.RegistryDriver = "mysql" },
			err:    true,
		},
		{
			name:   "postgres driver",
			modify: func(p *Params) { p.RegistryDriver = "postgres" },
			err:    false,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.modify(&p)

			config, err := NewConfig(p)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, p.Addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, p.RegistryDSN, config.RegistryDSN, "expected registry DSN to match")
			assert.Equal(t, p.RegistryDriver, config.RegistryDriver, "expected registry driver to match")
			assert.Equal(t, p.AllowedOrigins, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
		})
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	p := validParams()
	p.RegistryDriver = ""

	cfg, err := NewConfig(p)
	require.NoError(t, err)

	assert.Equal(t, DefaultRegistryDriver, cfg.RegistryDriver)
	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimit.Burst)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.Window)
	assert.Equal(t, DefaultJanitorInterval, cfg.JanitorInterval)
	assert.Equal(t, DefaultAuthTimeout, cfg.AuthTimeout)
}

func Test_decodeSigningSecret(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}

func Test_normalizeOrigins(t *testing.T) {
	got := normalizeOrigins([]string{" HTTP://Example.COM ", "*", "", "not-an-origin", "https://chat.local:8443"})
	assert.Equal(t, []string{"http://example.com", "*", "https://chat.local:8443"}, got)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
addr: ":9000"
data_dir: /var/lib/chat
allowed_origins:
  - http://localhost:3000
rate_limit_window: 2s
`), 0o600)
	require.NoError(t, err)

	p := validParams()
	require.NoError(t, LoadFile(path, &p))

	assert.Equal(t, ":9000", p.Addr)
	assert.Equal(t, "/var/lib/chat", p.DataDir)
	assert.Equal(t, 2*time.Second, p.RateLimitWindow)
	assert.Equal(t, "file:rooms.db", p.RegistryDSN, "expected fields missing from the file to be kept")

	t.Run("missing file", func(t *testing.T) {
		assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), &p))
	})

	t.Run("invalid yaml", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("addr: [unterminated"), 0o600))
		assert.Error(t, LoadFile(bad, &p))
	})
}
