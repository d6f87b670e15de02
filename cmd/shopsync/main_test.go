package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/shopsync/internal/adapter"
	"github.com/mmcdole/shopsync/internal/cache"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"name=Ada", "age=36", "newsletter=true", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":       "Ada",
		"age":        int64(36),
		"newsletter": true,
		"note":       "a=b",
	}, fields)

	_, err = parseFields([]string{"nope"})
	assert.Error(t, err)
	_, err = parseFields([]string{"=x"})
	assert.Error(t, err)
}

func TestCartMutationType(t *testing.T) {
	tests := []struct {
		action string
		want   domain.MutationType
	}{
		{"add", domain.AddToCart},
		{"remove", domain.RemoveFromCart},
		{"update", domain.UpdateCartQuantity},
	}
	for _, tt := range tests {
		got, err := cartMutationType(tt.action)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := cartMutationType("clear")
	assert.Error(t, err)
}

func TestTTLPolicyOverridesDefaults(t *testing.T) {
	policy := ttlPolicy(adapter.CacheConfig{
		DefaultTTL: 2 * time.Hour,
		TTL:        map[string]time.Duration{"cart": time.Minute, "product": 0},
	})

	assert.Equal(t, 2*time.Hour, policy.Default)
	assert.Equal(t, time.Minute, policy.ByClass["cart"])
	assert.Equal(t, cache.DefaultPolicy().ByClass["product"], policy.ByClass["product"], "zero TTL keeps the default")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopsync", "config.yaml")

	written, err := initConfig(path, " https://shop.example.com/ ", "secret", false)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	cfg, err := adapter.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", cfg.API.BaseURL)
	assert.Equal(t, "secret", cfg.API.Token)
	assert.Equal(t, adapter.DefaultConfig().Sync.BatchSize, cfg.Sync.BatchSize)
	require.NoError(t, cfg.Validate())

	t.Run("existing file is kept without force", func(t *testing.T) {
		_, err := initConfig(path, "https://other.example.com", "", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")

		cfg, err := adapter.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "https://shop.example.com", cfg.API.BaseURL)
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, err := initConfig(path, "https://other.example.com", "", true)
		require.NoError(t, err)

		cfg, err := adapter.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "https://other.example.com", cfg.API.BaseURL)
		assert.Empty(t, cfg.API.Token)
	})

	t.Run("base url is required", func(t *testing.T) {
		_, err := initConfig(filepath.Join(t.TempDir(), "config.yaml"), "  ", "", false)
		assert.Error(t, err)
	})
}
