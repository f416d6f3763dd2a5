package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			ID: "ok",
			Fn: func(context.Context) error { ran.Add(1); return nil },
		}))
	}
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "fail",
		Fn: func(context.Context) error { return errors.New("boom") },
	}))
	require.NoError(t, pool.Submit(context.Background(), Task{
		ID: "panic",
		Fn: func(context.Context) error { panic("boom") },
	}))

	assert.Eventually(t, func() bool {
		s := pool.Stats()
		return s.CompletedTasks == 10 && s.FailedTasks == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(10), ran.Load())
}

func TestWorkerPool_TrySubmitFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(&Config{Name: "full", MaxWorkers: 1, QueueSize: 1})
	defer pool.Stop(time.Second)
	defer close(block)

	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	assert.True(t, pool.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))
	assert.False(t, pool.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), pool.Stats().RejectedTasks)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Task{Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPool_IdleHook(t *testing.T) {
	var idle atomic.Int32
	pool := NewWorkerPool(&Config{
		Name:         "idle",
		MaxWorkers:   1,
		PollInterval: 5 * time.Millisecond,
		OnIdle:       func(context.Context) { idle.Add(1) },
	})

	assert.Eventually(t, func() bool { return idle.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestWorkerPool_StopCancelsTasks(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "stop", MaxWorkers: 1})

	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, pool.Stop(time.Second))
	assert.Error(t, pool.Submit(context.Background(), Task{Fn: func(context.Context) error { return nil }}))
	assert.False(t, pool.TrySubmit(Task{Fn: func(context.Context) error { return nil }}))
}
