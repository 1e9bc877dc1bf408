package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, key := range []string{"PORT", "TRANSFER_TIMEOUT_SECONDS", "PROGRESS_INTERVAL_SECONDS", "MAX_FILES_PER_REQUEST", "DOCS_USERNAME", "DOCS_PASSWORD", "DOCS_PASSWORD_HASH"} {
			t.Setenv(key, "")
		}
		cfg := FromEnv()

		assert.Equal(t, "7860", cfg.Port)
		assert.Equal(t, 60*time.Second, cfg.TransferTimeout)
		assert.Equal(t, 2*time.Second, cfg.ProgressInterval)
		assert.Equal(t, 20, cfg.MaxFilesPerRequest)
		assert.False(t, cfg.DocsEnabled())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("PORT", "9000")
		t.Setenv("TRANSFER_TIMEOUT_SECONDS", "1.5")
		t.Setenv("CLEANUP_INTERVAL_HOURS", "0.5")
		t.Setenv("MAX_FILE_SIZE", "1024")
		t.Setenv("DOCS_USERNAME", "admin")
		t.Setenv("DOCS_PASSWORD", "secret")
		t.Setenv("MAX_FILES_PER_REQUEST", "3")
		cfg := FromEnv()

		assert.Equal(t, "9000", cfg.Port)
		assert.Equal(t, 1500*time.Millisecond, cfg.TransferTimeout)
		assert.Equal(t, 30*time.Minute, cfg.CleanupInterval)
		assert.Equal(t, int64(1024), cfg.MaxFileSize)
		assert.Equal(t, 3, cfg.MaxFilesPerRequest)
		assert.True(t, cfg.DocsEnabled())
	})

	t.Run("docs enabled by a password hash alone", func(t *testing.T) {
		t.Setenv("DOCS_USERNAME", "admin")
		t.Setenv("DOCS_PASSWORD", "")
		t.Setenv("DOCS_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
		assert.True(t, FromEnv().DocsEnabled())
	})

	t.Run("malformed values fall back", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_BURST", "lots")
		t.Setenv("RATE_LIMIT_RPS", "fast")
		cfg := FromEnv()

		assert.Equal(t, 20, cfg.RateLimitBurst)
		assert.Equal(t, 10.0, cfg.RateLimitRPS)
	})
}
