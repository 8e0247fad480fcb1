package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterbox-im/chatsync"
)

func withHome(t *testing.T) string {
	t.Helper()
	prev := envConfig
	t.Cleanup(func() { envConfig = prev })
	envConfig = EnvConfig{Home: t.TempDir()}
	return envConfig.Home
}

func TestSetConfigValue(t *testing.T) {
	var cfg Config
	require.NoError(t, setConfigValue(&cfg, "default.url", "https://xyz.example.co"))
	require.NoError(t, setConfigValue(&cfg, "store.backend", "postgres"))
	require.NoError(t, setConfigValue(&cfg, "webhook.addr", ":9000"))
	assert.Equal(t, "https://xyz.example.co", cfg.Default.URL)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, ":9000", cfg.Webhook.Addr)

	for _, tc := range []struct{ key, value, want string }{
		{"url", "x", "dot notation"},
		{"nope.url", "x", "unknown config section"},
		{"default.colour", "x", "unknown field"},
		{"store.backend", "sqlite", "rest or postgres"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			err := setConfigValue(&cfg, tc.key, tc.value)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfigRows(t *testing.T) {
	file := Config{
		Default: ConfigDefault{URL: "https://file.example.co", AnonKey: "anon-key-0123456789"},
		Store:   ConfigStore{Backend: "rest"},
	}
	effective := file
	applyEnv(&effective, EnvConfig{URL: "https://env.example.co", WebhookSecret: "whsec-0123456789"})

	rows := configRows(&file, &effective)
	byKey := make(map[string]configRow, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r
	}
	require.Len(t, rows, len(configFields(&file)))
	assert.Equal(t, "auth.access_token", rows[0].Key)

	assert.Equal(t, configRow{Key: "default.url", Value: "https://env.example.co", Source: "env"}, byKey["default.url"])
	assert.Equal(t, configRow{Key: "default.anon_key", Value: "anon-key...6789", Source: "file"}, byKey["default.anon_key"])
	assert.Equal(t, configRow{Key: "webhook.secret", Value: "whsec-01...6789", Source: "env"}, byKey["webhook.secret"])
	assert.Equal(t, configRow{Key: "store.backend", Value: "rest", Source: "file"}, byKey["store.backend"])
	assert.Equal(t, configRow{Key: "auth.user_id"}, byKey["auth.user_id"])
}

func TestSaveAndLoadConfig(t *testing.T) {
	home := withHome(t)

	require.NoError(t, saveConfig(func(cfg *Config) error {
		cfg.Default.URL = "https://file.example.co"
		cfg.Default.AnonKey = "file-key"
		return nil
	}))
	info, err := os.Stat(filepath.Join(home, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	envConfig.URL = "https://env.example.co"
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.co", cfg.Default.URL)
	assert.Equal(t, "file-key", cfg.Default.AnonKey)

	require.NoError(t, saveConfig(func(cfg *Config) error {
		cfg.Auth.UserID = "u1"
		return nil
	}))
	data, err := os.ReadFile(filepath.Join(home, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "https://file.example.co")
	assert.NotContains(t, string(data), "env.example.co")
	assert.Contains(t, string(data), "u1")
}

func TestLoadConfigMissingFile(t *testing.T) {
	withHome(t)
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestHookRouter(t *testing.T) {
	channel, err := chatsync.NewWebhookChannel("secret", nil)
	require.NoError(t, err)
	router := newHookRouter(channel)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	body := `{"type":"INSERT","table":"messages","schema":"public","record":{"id":"m1","conversation_id":"c1"}}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/db", strings.NewReader(body))
	req.Header.Set(chatsync.SignatureHeader, chatsync.SignWebhookBody(body, "secret"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hooks/db", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbGci...wxyz", maskKey("eyJhbGciOiJIUzI1NiJ9.abcdwxyz"))
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel…", truncate("hello", 4))
	assert.Equal(t, "fallback", valueOrDefault("", "fallback"))
}
