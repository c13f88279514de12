package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkerRunsInSubmissionOrder(t *testing.T) {
	w := NewWorker(nil)
	t.Cleanup(w.Stop)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.True(t, w.Submit(func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, 2*time.Second, 5*time.Millisecond)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestWorkerSubmitDoesNotWaitForRunningFunc(t *testing.T) {
	w := NewWorker(nil)
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		w.Stop()
	})

	started := make(chan struct{})
	require.True(t, w.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	begin := time.Now()
	require.True(t, w.Submit(func(context.Context) {}))
	require.Less(t, time.Since(begin), 100*time.Millisecond)
}

func TestWorkerStopCancelsAndRejects(t *testing.T) {
	w := NewWorker(nil)

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.True(t, w.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	ran := false
	require.True(t, w.Submit(func(context.Context) { ran = true }))
	<-started

	w.Stop()
	<-cancelled
	<-w.Done()

	require.False(t, ran)
	require.False(t, w.Submit(func(context.Context) {}))
}

func TestWorkerSurvivesPanic(t *testing.T) {
	w := NewWorker(nil)
	t.Cleanup(w.Stop)

	done := make(chan struct{})
	require.True(t, w.Submit(func(context.Context) { panic("bad command") }))
	require.True(t, w.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after panic")
	}
}
