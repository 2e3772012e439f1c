package msgcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSentIndexFIFOEviction(t *testing.T) {
	idx := NewSentIndex()

	for i := 0; i < SentIndexCap+10; i++ {
		idx.Add(fmt.Sprintf("msg-%d", i))
	}

	assert.Equal(t, SentIndexCap, idx.Len())
	assert.False(t, idx.Contains("msg-0"), "oldest entries should be evicted")
	assert.False(t, idx.Contains("msg-9"))
	assert.True(t, idx.Contains("msg-10"))
	assert.True(t, idx.Contains(fmt.Sprintf("msg-%d", SentIndexCap+9)))
}

func TestSentIndexIgnoresDuplicatesAndEmpty(t *testing.T) {
	idx := NewSentIndex()
	idx.Add("")
	idx.Add("a")
	idx.Add("a")

	assert.Equal(t, 1, idx.Len())
	assert.True(t, idx.Contains("a"))
	assert.False(t, idx.Contains(""))
}

func TestMessageCacheWindowCap(t *testing.T) {
	cache := NewMessageCache()

	for i := 0; i < ContactWindowCap+20; i++ {
		cache.Record("15550001", CachedMessage{
			Timestamp: time.Now(),
			Text:      fmt.Sprintf("m%d", i),
			MessageID: fmt.Sprintf("id%d", i),
		})
	}

	recent := cache.Recent("15550001", 0)
	assert.Len(t, recent, ContactWindowCap)
	assert.Equal(t, "m20", recent[0].Text, "oldest surviving entry")
	assert.Equal(t, fmt.Sprintf("m%d", ContactWindowCap+19), recent[len(recent)-1].Text)
}

func TestMessageCacheRecentLimit(t *testing.T) {
	cache := NewMessageCache()
	for i := 0; i < 10; i++ {
		cache.Record("c1", CachedMessage{Text: fmt.Sprintf("m%d", i)})
	}

	recent := cache.Recent("c1", 3)
	assert.Len(t, recent, 3)
	assert.Equal(t, "m7", recent[0].Text)
	assert.Equal(t, "m9", recent[2].Text)

	assert.Nil(t, cache.Recent("unknown", 5))
}

func TestMessageCacheContactsIsolated(t *testing.T) {
	cache := NewMessageCache()
	cache.Record("a", CachedMessage{Text: "for a"})
	cache.Record("b", CachedMessage{Text: "for b"})

	assert.Equal(t, "for a", cache.Recent("a", 0)[0].Text)
	assert.Equal(t, "for b", cache.Recent("b", 0)[0].Text)
}
