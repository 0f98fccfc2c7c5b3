package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetExpiry(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats()["expired_items"])
}

func TestGetOrLoad(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (interface{}, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(ctx, "k", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}
	assert.Equal(t, 1, calls)
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	_, err := c.GetOrLoad(context.Background(), "k", time.Minute, func(context.Context) (interface{}, error) {
		return nil, errors.New("down")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Size())
}

func TestCloseTwice(t *testing.T) {
	c := New(time.Minute)
	c.Close()
	assert.NotPanics(t, c.Close)
}
