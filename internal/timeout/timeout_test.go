package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeft(t *testing.T) {
	t.Run("positive remaining", func(t *testing.T) {
		to := New("spawn", "rachel", time.Minute)
		left, err := to.Left()
		require.NoError(t, err)
		assert.True(t, left > 0 && left <= time.Minute)
	})

	t.Run("expired raises domain error", func(t *testing.T) {
		to := New("spawn", "rachel", -time.Second)
		_, err := to.Left()
		require.Error(t, err)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "spawn", terr.Op)
		assert.Equal(t, "rachel", terr.User)
	})
}

func TestPartial(t *testing.T) {
	to := New("delete", "ribbon", 10*time.Second)

	t.Run("shorter than parent", func(t *testing.T) {
		child, err := to.Partial(2 * time.Second)
		require.NoError(t, err)
		left, err := child.Left()
		require.NoError(t, err)
		assert.True(t, left <= 2*time.Second)
	})

	t.Run("clamped to parent remaining", func(t *testing.T) {
		child, err := to.Partial(time.Hour)
		require.NoError(t, err)
		left, err := child.Left()
		require.NoError(t, err)
		assert.True(t, left <= 10*time.Second)
	})

	t.Run("expired parent propagates", func(t *testing.T) {
		expired := New("delete", "ribbon", -time.Second)
		_, err := expired.Partial(time.Second)
		require.Error(t, err)
	})
}

func TestEnforce(t *testing.T) {
	t.Run("completes before deadline", func(t *testing.T) {
		to := New("op", "", time.Second)
		err := to.Enforce(context.Background(), func(ctx context.Context) error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("translates deadline exceeded", func(t *testing.T) {
		to := New("op", "user", 10*time.Millisecond)
		err := to.Enforce(context.Background(), func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		})
		require.Error(t, err)
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "op", terr.Op)
	})
}
