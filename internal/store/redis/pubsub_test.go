package redis_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	redisstore "github.com/gosuda/tether/internal/store/redis"
)

func TestBroadcastChannel(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		got := redisstore.BroadcastChannel("prod")
		assert.Equal(t, "relay:prod:rooms", got)
	})

	t.Run("empty namespace", func(t *testing.T) {
		t.Parallel()

		got := redisstore.BroadcastChannel("")
		assert.Equal(t, "relay:default:rooms", got)
	})

	t.Run("prefix", func(t *testing.T) {
		t.Parallel()

		got := redisstore.BroadcastChannel("eu")
		assert.True(t, strings.HasPrefix(got, "relay:"), "expected prefix 'relay:', got %q", got)
	})

	t.Run("different namespaces produce different channels", func(t *testing.T) {
		t.Parallel()

		assert.NotEqual(t, redisstore.BroadcastChannel("eu"), redisstore.BroadcastChannel("us"))
	})
}
