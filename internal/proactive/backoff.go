package proactive

import (
	"context"
	"strings"
	"sync"
	"time"

	. "agentgate/internal/logging"
)

const (
	backoffInitial = time.Minute
	backoffMax     = 30 * time.Minute
	queueCap       = 500
)

// Sender delivers one queued push.
type Sender func(ctx context.Context, remoteChatID, text string) error

type queuedPush struct {
	remote string
	text   string
}

// PushQueue holds digests the transport refused for rate-limit reasons and
// retries them with a doubling backoff. Beyond queueCap the oldest entries
// are dropped.
type PushQueue struct {
	mu     sync.Mutex
	items  []queuedPush
	delay  time.Duration
	timer  *time.Timer
	send   Sender
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPushQueue(send Sender) *PushQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &PushQueue{
		delay:  backoffInitial,
		send:   send,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a push for later delivery and arms the retry timer.
func (q *PushQueue) Enqueue(remoteChatID, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, queuedPush{remote: remoteChatID, text: text})
	if dropped := len(q.items) - queueCap; dropped > 0 {
		q.items = q.items[dropped:]
		L_warn("push queue overflow, oldest entries dropped", "dropped", dropped)
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.delay, q.flush)
	}
	L_info("push queued for retry", "queued", len(q.items), "retryIn", q.delay)
}

// flush attempts delivery in order. The first failure stops the pass, doubles
// the backoff and re-arms the timer; a clean pass resets the backoff.
func (q *PushQueue) flush() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.timer = nil
	q.mu.Unlock()

	for i, item := range items {
		if err := q.send(q.ctx, item.remote, item.text); err != nil {
			L_warn("queued push failed, backing off", "remaining", len(items)-i, "error", err)
			q.mu.Lock()
			q.items = append(items[i:], q.items...)
			q.delay = min(q.delay*2, backoffMax)
			if q.timer == nil {
				q.timer = time.AfterFunc(q.delay, q.flush)
			}
			q.mu.Unlock()
			return
		}
	}

	q.mu.Lock()
	q.delay = backoffInitial
	q.mu.Unlock()
	if len(items) > 0 {
		L_info("push queue drained", "delivered", len(items))
	}
}

// Len reports the number of queued pushes.
func (q *PushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop cancels in-flight sends and the retry timer.
func (q *PushQueue) Stop() {
	q.cancel()
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
}

// isQuotaError matches transport errors that indicate rate limiting rather
// than a permanent failure.
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "retry after") ||
		strings.Contains(msg, "quota")
}
