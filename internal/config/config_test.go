package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", base64.StdEncoding.EncodeToString([]byte("secret")))

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "parley.db", cfg.DBFile)
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	require.Equal(t, 4000, cfg.MaxContentLength)
	require.Equal(t, int64(10<<20), cfg.MaxUploadFileSize)
	require.Equal(t, 5.0, cfg.RateLimit)
	require.False(t, cfg.PushEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", base64.StdEncoding.EncodeToString([]byte("secret")))
	t.Setenv("PARLEY_DB", "/tmp/other.db")
	t.Setenv("MAX_ATTACHMENTS", "3")
	t.Setenv("RATE_LIMIT", "0.5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")
	t.Setenv("VAPID_SUBSCRIBER", "ops@example.com")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "/tmp/other.db", cfg.DBFile)
	require.Equal(t, 3, cfg.MaxAttachments)
	require.Equal(t, 0.5, cfg.RateLimit)
	require.Equal(t, "json", cfg.LogFormat)
	require.True(t, cfg.PushEnabled())
}

func TestLoad_Invalid(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("secret"))
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"bad secret", map[string]string{"AUTH_SECRET": "not base64!"}},
		{"bad expiry", map[string]string{"AUTH_SECRET": secret, "TOKEN_EXPIRY": "soon"}},
		{"zero expiry", map[string]string{"AUTH_SECRET": secret, "TOKEN_EXPIRY": "0s"}},
		{"bad level", map[string]string{"AUTH_SECRET": secret, "LOG_LEVEL": "loud"}},
		{"bad int", map[string]string{"AUTH_SECRET": secret, "MAX_UPLOAD_FILES": "many"}},
		{"total below file size", map[string]string{"AUTH_SECRET": secret, "MAX_UPLOAD_TOTAL_SIZE": "1"}},
		{"half vapid", map[string]string{"AUTH_SECRET": secret, "VAPID_PUBLIC_KEY": "pub"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("AUTH_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(false)
			require.Error(t, err)
		})
	}
}

func TestLoad_CLIModeWithoutSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "")

	_, err := Load(true)
	require.NoError(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("AUTH_SECRET", base64.StdEncoding.EncodeToString([]byte("secret")))
	t.Cleanup(func() { _ = os.Unsetenv("UPLOADS_PATH") })
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("UPLOADS_PATH=/srv/uploads\n"), 0600))

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "/srv/uploads", cfg.UploadsPath)
}
