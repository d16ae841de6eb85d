package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuto(t *testing.T) {
	ok, err := Auto{}.Await(context.Background(), "t", "p")
	require.NoError(t, err)
	assert.True(t, ok)
}

type result struct {
	approved bool
	err      error
}

func await(ctx context.Context, g *Signal, taskID string) <-chan result {
	out := make(chan result, 1)
	go func() {
		ok, err := g.Await(ctx, taskID, "a prompt")
		out <- result{ok, err}
	}()
	return out
}

func waitPending(t *testing.T, g *Signal, taskID string) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Pending(taskID) }, time.Second, time.Millisecond)
}

func TestSignal_Approve(t *testing.T) {
	for _, decision := range []bool{true, false} {
		g := NewSignal(time.Minute, nil)
		res := await(context.Background(), g, "task-1")
		waitPending(t, g, "task-1")

		require.NoError(t, g.Approve("task-1", decision))

		r := <-res
		require.NoError(t, r.err)
		assert.Equal(t, decision, r.approved)
		assert.False(t, g.Pending("task-1"))
	}
}

func TestSignal_Timeout(t *testing.T) {
	g := NewSignal(20*time.Millisecond, nil)
	approved, err := g.Await(context.Background(), "task-1", "p")
	assert.False(t, approved)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, g.Pending("task-1"))
}

func TestSignal_Cancel(t *testing.T) {
	g := NewSignal(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	res := await(ctx, g, "task-1")
	waitPending(t, g, "task-1")

	cancel()
	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
}

func TestSignal_NoPending(t *testing.T) {
	g := NewSignal(time.Minute, nil)
	assert.ErrorIs(t, g.Approve("missing", true), ErrNoPendingApproval)
}

func TestSignal_DuplicateWaiter(t *testing.T) {
	g := NewSignal(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := await(ctx, g, "task-1")
	waitPending(t, g, "task-1")

	_, err := g.Await(context.Background(), "task-1", "p")
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	require.NoError(t, g.Approve("task-1", true))
	r := <-res
	assert.True(t, r.approved)
}
