package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	l := New(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, l.Post(func() {}))
}

func TestLoopSurvivesPanic(t *testing.T) {
	l := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Post(func() { panic("boom") })

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after panic")
	}
}

func TestLoopClose(t *testing.T) {
	l := New(1, nil)
	l.Close()
	l.Close()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Run(context.Background()), ErrClosed)
}

func TestQueueDrainIncludesNestedPosts(t *testing.T) {
	q := NewQueue()

	var order []string
	q.Post(func() {
		order = append(order, "outer")
		q.Post(func() { order = append(order, "nested") })
	})
	q.Post(func() { order = append(order, "second") })

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 3, q.Drain())
	assert.Equal(t, []string{"outer", "second", "nested"}, order)
	assert.Zero(t, q.Len())
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	q.Post(func() { t.Fatal("closed queue ran work") })
	q.Close()

	assert.False(t, q.Post(func() {}))
	assert.Zero(t, q.Drain())
}
