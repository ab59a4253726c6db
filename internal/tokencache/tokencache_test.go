package tokencache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCacheRoundTrip(t *testing.T) {
	c := NewLocalCache()

	_, ok := c.Get("registry.example.com")
	assert.False(t, ok)

	c.Set("registry.example.com", "tok-123", 50*time.Millisecond)
	tok, ok := c.Get("registry.example.com")
	assert.True(t, ok)
	assert.Equal(t, "tok-123", tok)

	time.Sleep(75 * time.Millisecond)
	_, ok = c.Get("registry.example.com")
	assert.False(t, ok, "expired entry should miss")
}

func TestLocalCachePerHost(t *testing.T) {
	c := NewLocalCache()
	c.Set("a.example.com", "tok-a", time.Minute)
	c.Set("b.example.com", "tok-b", time.Minute)

	a, _ := c.Get("a.example.com")
	b, _ := c.Get("b.example.com")
	assert.Equal(t, "tok-a", a)
	assert.Equal(t, "tok-b", b)
}
