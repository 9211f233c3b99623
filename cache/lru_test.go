package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/optiflow/types"
)

func testEntry(fingerprint, text string) *Entry {
	now := time.Now()
	return &Entry{
		Fingerprint:  fingerprint,
		Value:        types.Document{"answer": text},
		Text:         text,
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// ============================================================
// Basic operations
// ============================================================

func TestLRUGetSet(t *testing.T) {
	c := NewLRUCache(10, 0)

	c.Set("a", testEntry("a", "alpha"))
	entry, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", entry.Text)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRUDeleteAndClear(t *testing.T) {
	c := NewLRUCache(10, 0)
	c.Set("a", testEntry("a", "alpha"))
	c.Set("b", testEntry("b", "beta"))

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get("b")
	assert.False(t, ok)

	entries, bytes := c.Stats()
	assert.Zero(t, entries)
	assert.Zero(t, bytes)
}

// ============================================================
// Eviction
// ============================================================

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(3, 0)
	c.Set("a", testEntry("a", "alpha"))
	c.Set("b", testEntry("b", "beta"))
	c.Set("c", testEntry("c", "gamma"))

	// touch "a" so "b" becomes the eviction victim
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", testEntry("d", "delta"))

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "entry %q should survive", key)
	}
}

func TestLRUEvictsOverByteBudget(t *testing.T) {
	entry := testEntry("x", "0123456789")
	perEntry := int64(entry.byteSize())

	c := NewLRUCache(100, perEntry*2)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), testEntry(fmt.Sprintf("k%d", i), "0123456789"))
	}

	entries, bytes := c.Stats()
	assert.LessOrEqual(t, entries, 2)
	assert.LessOrEqual(t, bytes, perEntry*2)

	// newest entry always survives
	_, ok := c.Get("k4")
	assert.True(t, ok)
}

func TestLRUUpdateExistingKey(t *testing.T) {
	c := NewLRUCache(10, 0)
	c.Set("a", testEntry("a", "first"))
	c.Set("a", testEntry("a", "second"))

	entry, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "second", entry.Text)

	entries, _ := c.Stats()
	assert.Equal(t, 1, entries)
}

// ============================================================
// Expiry
// ============================================================

func TestLRUExpiredEntryIsDropped(t *testing.T) {
	c := NewLRUCache(10, 0)

	entry := testEntry("a", "alpha")
	entry.TTL = time.Nanosecond
	entry.CreatedAt = time.Now().Add(-time.Second)
	c.Set("a", entry)

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRUExpiredEntryReleasesByteBudget(t *testing.T) {
	c := NewLRUCache(10, 1024)

	entry := testEntry("a", "alpha")
	entry.TTL = time.Nanosecond
	entry.CreatedAt = time.Now().Add(-time.Second)
	c.Set("a", entry)

	_, ok := c.Get("a")
	require.False(t, ok)

	entries, bytes := c.Stats()
	assert.Zero(t, entries)
	assert.Zero(t, bytes, "expired entry must return its bytes to the budget")
}

func TestLRUScanSkipsExpired(t *testing.T) {
	c := NewLRUCache(10, 0)
	c.Set("live", testEntry("live", "alive"))

	expired := testEntry("dead", "gone")
	expired.TTL = time.Nanosecond
	expired.CreatedAt = time.Now().Add(-time.Second)
	c.Set("dead", expired)

	var seen []string
	c.Scan(func(key string, _ *Entry) bool {
		seen = append(seen, key)
		return true
	})
	assert.Equal(t, []string{"live"}, seen)
}
