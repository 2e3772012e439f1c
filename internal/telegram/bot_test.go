package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"agentgate/internal/router"
)

// idlePoller never produces updates; it just waits for stop.
type idlePoller struct{}

func (idlePoller) Poll(_ *tele.Bot, _ chan tele.Update, stop chan struct{}) { <-stop }

func newQueueBot(t *testing.T) *Bot {
	t.Helper()
	tb, err := tele.NewBot(tele.Settings{Offline: true, Synchronous: true, Poller: idlePoller{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Bot{
		bot:     tb,
		routers: make(map[int64]*router.Router),
		queues:  make(map[int64]chan func()),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func TestChatJobsRunInOrder(t *testing.T) {
	b := newQueueBot(t)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		b.enqueue(7, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	b.inflight.Wait()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v, "jobs must run in enqueue order")
	}
}

func TestChatsDoNotBlockEachOther(t *testing.T) {
	b := newQueueBot(t)

	release := make(chan struct{})
	done := make(chan struct{})
	b.enqueue(1, func() { <-release })
	b.enqueue(2, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second chat blocked behind the first")
	}
	close(release)
	b.inflight.Wait()
}

func TestMailboxOverflowDrops(t *testing.T) {
	b := newQueueBot(t)

	started := make(chan struct{})
	release := make(chan struct{})
	b.enqueue(1, func() { close(started); <-release })
	// Wait for the worker to dequeue the blocking job so it no longer
	// occupies a mailbox slot before we fill the queue.
	<-started

	var mu sync.Mutex
	ran := 0
	for i := 0; i < mailboxSize+10; i++ {
		b.enqueue(1, func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	close(release)
	b.inflight.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, mailboxSize, ran, "overflow beyond the mailbox is dropped")
}

func TestStopDrainsInflightDispatches(t *testing.T) {
	b := newQueueBot(t)
	go b.bot.Start()

	finished := false
	b.enqueue(9, func() {
		time.Sleep(50 * time.Millisecond)
		finished = true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Stop(ctx)
	assert.True(t, finished, "Stop returned before the dispatch drained")
}
