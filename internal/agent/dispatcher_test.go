package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	calls   []RequestContext
	replies []string
	errs    []error
}

func (f *fakeRuntime) Generate(_ context.Context, _ Agent, _ []Message, reqCtx RequestContext) (string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, reqCtx)
	var reply string
	var err error
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return reply, err
}

type fakeTransport struct {
	limit int
	sent  []string
	fail  bool
}

func (f *fakeTransport) Send(_ context.Context, _ string, text string) (string, error) {
	if f.fail {
		return "", errors.New("socket closed")
	}
	f.sent = append(f.sent, text)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeTransport) TextLimit() int { return f.limit }

func newTestDispatcher(rt Runtime) *Dispatcher {
	d := NewDispatcher(rt)
	d.sleep = func(time.Duration) {}
	return d
}

func TestDispatchHappyPath(t *testing.T) {
	rt := &fakeRuntime{replies: []string{"hi there"}}
	d := newTestDispatcher(rt)

	reply, err := d.Dispatch(context.Background(), Request{
		Agent:     Assistant,
		UserID:    "u1",
		History:   []Message{{Role: RoleUser, Content: "hello"}},
		Context:   RequestContext{"telegramChatId": "555"},
		Directive: DirectiveTelegram,
		Token:     "tok",
	})

	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
	require.Len(t, rt.calls, 1)
	assert.Equal(t, "tok", rt.calls[0]["authToken"])
	assert.Equal(t, "u1", rt.calls[0]["userId"])
	assert.Equal(t, "555", rt.calls[0]["telegramChatId"])
}

func TestDispatchRefreshesOnceOn401(t *testing.T) {
	rt := &fakeRuntime{
		replies: []string{"", "recovered"},
		errs:    []error{errors.New("backend returned 401"), nil},
	}
	d := newTestDispatcher(rt)

	refreshed := 0
	reply, err := d.Dispatch(context.Background(), Request{
		Agent:   Zoe,
		UserID:  "u1",
		History: []Message{{Role: RoleUser, Content: "hi"}},
		Token:   "stale",
		Refresh: func(context.Context) (string, error) {
			refreshed++
			return "NEW", nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, 1, refreshed)
	require.Len(t, rt.calls, 2)
	assert.Equal(t, "stale", rt.calls[0]["authToken"])
	assert.Equal(t, "NEW", rt.calls[1]["authToken"])
}

func TestDispatchSecondAuthFailureSurfaces(t *testing.T) {
	rt := &fakeRuntime{
		errs: []error{errors.New("unauthorized"), errors.New("unauthorized")},
	}
	d := newTestDispatcher(rt)

	_, err := d.Dispatch(context.Background(), Request{
		Agent:   Assistant,
		UserID:  "u1",
		History: []Message{{Role: RoleUser, Content: "hi"}},
		Token:   "stale",
		Refresh: func(context.Context) (string, error) { return "NEW", nil },
	})

	assert.ErrorIs(t, err, ErrTryAgain)
	assert.Len(t, rt.calls, 2, "exactly one retry")
}

func TestDispatchNonAuthFailureNoRetry(t *testing.T) {
	rt := &fakeRuntime{errs: []error{errors.New("backend timeout")}}
	d := newTestDispatcher(rt)

	refreshed := false
	_, err := d.Dispatch(context.Background(), Request{
		Agent:   Assistant,
		UserID:  "u1",
		History: []Message{{Role: RoleUser, Content: "hi"}},
		Refresh: func(context.Context) (string, error) {
			refreshed = true
			return "", nil
		},
	})

	assert.ErrorIs(t, err, ErrTryAgain)
	assert.False(t, refreshed, "non-auth errors must not trigger refresh")
	assert.Len(t, rt.calls, 1)
}

func TestDispatchTrimsHistory(t *testing.T) {
	var captured []Message
	rt := runtimeFunc(func(_ context.Context, _ Agent, msgs []Message, _ RequestContext) (string, error) {
		captured = msgs
		return "ok", nil
	})
	d := newTestDispatcher(rt)

	history := make([]Message, 25)
	for i := range history {
		history[i] = Message{Role: RoleUser, Content: fmt.Sprintf("turn %d", i)}
	}

	_, err := d.Dispatch(context.Background(), Request{
		Agent:     Assistant,
		UserID:    "u1",
		History:   history,
		Directive: DirectiveWhatsApp,
	})
	require.NoError(t, err)

	// Directive plus the last maxHistory turns.
	require.Len(t, captured, maxHistory+1)
	assert.Equal(t, RoleSystem, captured[0].Role)
	assert.Equal(t, "turn 24", captured[len(captured)-1].Content)
}

type runtimeFunc func(context.Context, Agent, []Message, RequestContext) (string, error)

func (f runtimeFunc) Generate(ctx context.Context, a Agent, m []Message, rc RequestContext) (string, error) {
	return f(ctx, a, m, rc)
}

func TestDeliverChunksInOrder(t *testing.T) {
	d := newTestDispatcher(&fakeRuntime{})
	tr := &fakeTransport{limit: 100}

	reply := strings.Repeat("a line of reply text\n", 20)
	lastID, err := d.Deliver(context.Background(), tr, "remote", reply)

	require.NoError(t, err)
	require.Greater(t, len(tr.sent), 1)
	assert.Equal(t, fmt.Sprintf("msg-%d", len(tr.sent)), lastID, "last chunk id recorded")
	for i, c := range tr.sent {
		assert.LessOrEqual(t, len(c), 100, "chunk %d over limit", i+1)
	}
}

func TestDeliverSendFailure(t *testing.T) {
	d := newTestDispatcher(&fakeRuntime{})
	tr := &fakeTransport{limit: 50, fail: true}

	_, err := d.Deliver(context.Background(), tr, "remote", "short reply")
	assert.Error(t, err)
}
