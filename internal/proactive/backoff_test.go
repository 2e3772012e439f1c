package proactive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingSender records deliveries and can be told to fail.
type collectingSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (c *collectingSender) send(ctx context.Context, remote, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("429 too many requests")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *collectingSender) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestFlushDeliversInOrder(t *testing.T) {
	s := &collectingSender{}
	q := NewPushQueue(s.send)
	defer q.Stop()

	q.Enqueue("1", "first")
	q.Enqueue("1", "second")
	q.flush()

	assert.Equal(t, []string{"first", "second"}, s.delivered())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, backoffInitial, q.delay)
}

func TestFlushFailureDoublesBackoff(t *testing.T) {
	s := &collectingSender{fail: true}
	q := NewPushQueue(s.send)
	defer q.Stop()

	q.Enqueue("1", "digest")
	q.flush()
	require.Equal(t, 1, q.Len(), "failed push stays queued")
	assert.Equal(t, 2*backoffInitial, q.delay)

	q.flush()
	assert.Equal(t, 4*backoffInitial, q.delay)

	// Success resets the window.
	s.mu.Lock()
	s.fail = false
	s.mu.Unlock()
	q.flush()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, backoffInitial, q.delay)
}

func TestBackoffIsCapped(t *testing.T) {
	s := &collectingSender{fail: true}
	q := NewPushQueue(s.send)
	defer q.Stop()

	q.Enqueue("1", "digest")
	for i := 0; i < 12; i++ {
		q.flush()
	}
	assert.Equal(t, backoffMax, q.delay)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewPushQueue(func(ctx context.Context, remote, text string) error { return nil })
	defer q.Stop()

	for i := 0; i < queueCap+3; i++ {
		q.Enqueue("1", fmt.Sprintf("msg-%d", i))
	}
	require.Equal(t, queueCap, q.Len())

	q.mu.Lock()
	first := q.items[0].text
	q.mu.Unlock()
	assert.Equal(t, "msg-3", first, "oldest entries are dropped first")
}

func TestIsQuotaError(t *testing.T) {
	assert.True(t, isQuotaError(errors.New("telegram: Too Many Requests: retry after 23")))
	assert.True(t, isQuotaError(errors.New("backend returned 429")))
	assert.True(t, isQuotaError(errors.New("quota exhausted")))
	assert.False(t, isQuotaError(errors.New("connection refused")))
	assert.False(t, isQuotaError(nil))
}

func TestEnqueueArmsTimerOnce(t *testing.T) {
	s := &collectingSender{}
	q := NewPushQueue(s.send)
	defer q.Stop()

	q.Enqueue("1", "a")
	q.mu.Lock()
	timer := q.timer
	q.mu.Unlock()
	require.NotNil(t, timer)

	q.Enqueue("1", "b")
	q.mu.Lock()
	same := q.timer == timer
	q.mu.Unlock()
	assert.True(t, same, "second enqueue must not re-arm the timer")
	assert.Equal(t, backoffInitial, q.delay)
}
