package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed early")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestMemoryBusDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)
	defer sub.Release()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "run_results:r1", []byte(fmt.Sprintf("msg-%d", i))))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(recv(t, sub)))
	}
}

func TestMemoryBusNoReplay(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	// Published before anyone subscribes: gone forever.
	require.NoError(t, b.Publish(ctx, "run_results:r1", []byte("early")))

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)
	defer sub.Release()

	require.NoError(t, b.Publish(ctx, "run_results:r1", []byte("late")))
	assert.Equal(t, "late", string(recv(t, sub)))
	assert.Empty(t, sub.C())
}

func TestMemoryBusSubscriberIsolation(t *testing.T) {
	b := NewMemoryBus(WithSubscriberBuffer(2))
	defer b.Close()
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)
	defer slow.Release()
	fast, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)
	defer fast.Release()

	other, err := b.Subscribe(ctx, "run_results:r2")
	require.NoError(t, err)
	defer other.Release()

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "run_results:r1", []byte(fmt.Sprintf("msg-%d", i))))
		// The fast subscriber keeps up; the slow one never reads.
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(recv(t, fast)))
	}

	// Slow subscriber kept only the newest two messages.
	assert.Equal(t, "msg-4", string(recv(t, slow)))
	assert.Equal(t, "msg-5", string(recv(t, slow)))

	// The unrelated channel saw nothing.
	assert.Empty(t, other.C())
}

func TestMemoryBusDropOldest(t *testing.T) {
	b := NewMemoryBus(WithSubscriberBuffer(4))
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_logs:r1")
	require.NoError(t, err)
	defer sub.Release()

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "run_logs:r1", []byte(fmt.Sprintf("line-%d", i))))
	}

	// Two oldest lines were evicted; order of the survivors holds.
	for i := 2; i < 6; i++ {
		assert.Equal(t, fmt.Sprintf("line-%d", i), string(recv(t, sub)))
	}
}

func TestMemoryBusRelease(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)

	sub.Release()
	sub.Release() // idempotent
	requireClosed(t, sub)

	// Publishing to a channel with no subscribers is not an error.
	assert.NoError(t, b.Publish(ctx, "run_results:r1", []byte("nobody home")))
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	requireClosed(t, sub)

	assert.ErrorIs(t, b.Publish(ctx, "run_results:r1", []byte("x")), ErrClosed)
	_, err = b.Subscribe(ctx, "run_results:r1")
	assert.ErrorIs(t, err, ErrClosed)

	// Release after Close is harmless.
	sub.Release()
}

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := NewRedisBus(context.Background(), client)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBusDelivery(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)
	defer sub.Release()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "run_results:r1", []byte(fmt.Sprintf("msg-%d", i))))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(recv(t, sub)))
	}
}

func TestRedisBusSubscriberIsolation(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	results, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)
	defer results.Release()
	logs, err := b.Subscribe(ctx, "run_logs:r1")
	require.NoError(t, err)
	defer logs.Release()

	require.NoError(t, b.Publish(ctx, "run_logs:r1", []byte("a log line")))
	assert.Equal(t, "a log line", string(recv(t, logs)))
	assert.Empty(t, results.C())
}

func TestRedisBusRelease(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)

	sub.Release()
	sub.Release()
	requireClosed(t, sub)
}

func TestRedisBusClose(t *testing.T) {
	b := newTestRedisBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "run_results:r1")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	requireClosed(t, sub)

	_, err = b.Subscribe(ctx, "run_results:r1")
	assert.ErrorIs(t, err, ErrClosed)
}
