package prefs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCache(client, "", time.Minute)

		mock.ExpectGet("feedprefs:v").RedisNil()

		p, ok, err := c.Get(ctx, "v")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, p)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCache(client, "", time.Minute)

		raw, err := json.Marshal(Defaults("v"))
		require.NoError(t, err)
		mock.ExpectGet("feedprefs:v").SetVal(string(raw))

		p, ok, err := c.Get(ctx, "v")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", p.UserID)
		assert.True(t, p.TrendingEnabled)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCache(client, "prefs", time.Minute)

		p := Defaults("v")
		raw, err := json.Marshal(p)
		require.NoError(t, err)
		mock.ExpectSet("prefs:v", raw, time.Minute).SetVal("OK")

		require.NoError(t, c.Set(ctx, p))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("garbage in cache is an error", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		c := NewRedisCache(client, "", time.Minute)

		mock.ExpectGet("feedprefs:v").SetVal("{not json")

		_, ok, err := c.Get(ctx, "v")
		assert.Error(t, err)
		assert.False(t, ok)
	})
}
