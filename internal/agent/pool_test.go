package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	block := func(context.Context) error { <-release; return nil }

	require.NoError(t, p.TrySubmit("a", block))
	require.NoError(t, p.TrySubmit("b", block))
	assert.ErrorIs(t, p.TrySubmit("c", block), ErrPoolFull)
	assert.Equal(t, int64(2), p.Stats().Running)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))

	st := p.Stats()
	assert.Equal(t, int64(0), st.Running)
	assert.Equal(t, int64(2), st.Completed)
	assert.Equal(t, int64(1), st.Rejected)
}

func TestPoolCountsFailuresAndPanics(t *testing.T) {
	p := NewPool(4)
	require.NoError(t, p.TrySubmit("err", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.TrySubmit("panic", func(context.Context) error { panic("kaboom") }))
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int64(2), p.Stats().Failed)
	assert.ErrorIs(t, p.TrySubmit("late", func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestPoolShutdownCancelsAfterDeadline(t *testing.T) {
	p := NewPool(1)
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), p.Stats().Failed)
}
