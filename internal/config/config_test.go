package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 10*time.Second, cfg.TypingTTL)
	assert.Equal(t, "redis", cfg.Backbone)
	assert.Equal(t, 4000, cfg.MaxMessageLength)
	assert.Equal(t, 20, cfg.RedisPool)
	assert.Equal(t, "rt", cfg.KeyPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TYPING_TTL", "3")
	t.Setenv("PRESENCE_TTL", "90s")
	t.Setenv("BACKBONE", "NATS")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("DEBUG_ROUTES", "true")
	t.Setenv("REDIS_POOL_SIZE", "64")
	t.Setenv("REDIS_KEY_PREFIX", "staging")

	cfg := Load()

	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.Equal(t, 90*time.Second, cfg.PresenceTTL)
	assert.Equal(t, "nats", cfg.Backbone)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.True(t, cfg.DebugRoutes)
	assert.Equal(t, 64, cfg.RedisPool)
	assert.Equal(t, "staging", cfg.KeyPrefix)
}
