// Copyright 2026 Redpanda Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, q *Queue[T]) []T {
	t.Helper()
	var out []T
	for {
		v, ok, err := q.TryDequeue()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q, err := New[int](100)
	require.NoError(t, err)

	for i := range 50 {
		require.NoError(t, q.TryEnqueue(i))
	}
	for i := range 50 {
		v, err := q.Dequeue(t.Context())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestQueueInvalidCapacity(t *testing.T) {
	t.Parallel()
	_, err := New[int](0)
	require.Error(t, err)
}

func TestQueueTryEnqueueFull(t *testing.T) {
	t.Parallel()
	q, err := New[int](3)
	require.NoError(t, err)

	for _, v := range []int{1, 2, 3, 4, 5} {
		if err := q.TryEnqueue(v); err != nil {
			require.ErrorIs(t, err, ErrFull)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, drain(t, q))
}

func TestQueueSizer(t *testing.T) {
	t.Parallel()
	q, err := New(10, OptSizer(func(s string) int { return len(s) }))
	require.NoError(t, err)

	require.ErrorIs(t, q.TryEnqueue("this is too long"), ErrTooLarge)
	require.NoError(t, q.TryEnqueue("hello"))
	require.NoError(t, q.TryEnqueue("world"))
	require.ErrorIs(t, q.TryEnqueue("!"), ErrFull)

	v, err := q.Dequeue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	require.NoError(t, q.TryEnqueue("!"))
	assert.Equal(t, 6, q.Stats().Size)
}

func TestQueueBlockingBackpressure(t *testing.T) {
	t.Parallel()
	q, err := New[int](1)
	require.NoError(t, err)

	require.NoError(t, q.EnqueueBlocking(t.Context(), 1))

	returned := make(chan error, 1)
	go func() {
		returned <- q.EnqueueBlocking(t.Context(), 2)
	}()

	select {
	case <-returned:
		t.Fatal("second enqueue returned before capacity was freed")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Dequeue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second enqueue did not return after dequeue")
	}

	v, err = q.Dequeue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestQueueEnqueueBlockingCancelled(t *testing.T) {
	t.Parallel()
	q, err := New[int](1)
	require.NoError(t, err)
	require.NoError(t, q.TryEnqueue(1))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.EnqueueBlocking(ctx, 2), context.DeadlineExceeded)
}

func TestQueueDequeueCancelled(t *testing.T) {
	t.Parallel()
	q, err := New[int](1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseInputDrains(t *testing.T) {
	t.Parallel()
	q, err := New[int](10)
	require.NoError(t, err)

	for i := range 3 {
		require.NoError(t, q.TryEnqueue(i))
	}
	q.CloseInput()
	q.CloseInput()

	require.ErrorIs(t, q.TryEnqueue(4), ErrClosed)
	for i := range 3 {
		v, err := q.Dequeue(t.Context())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = q.Dequeue(t.Context())
	require.ErrorIs(t, err, ErrEndOfQueue)
	_, err = q.Dequeue(t.Context())
	require.ErrorIs(t, err, ErrEndOfQueue)
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	t.Parallel()
	q, err := New[int](1)
	require.NoError(t, err)
	require.NoError(t, q.TryEnqueue(1))

	var wg conc.WaitGroup
	wg.Go(func() {
		assert.ErrorIs(t, q.EnqueueBlocking(t.Context(), 2), ErrClosed)
	})

	empty, err := New[int](1)
	require.NoError(t, err)
	wg.Go(func() {
		_, err := empty.Dequeue(t.Context())
		assert.ErrorIs(t, err, ErrEndOfQueue)
	})

	time.Sleep(20 * time.Millisecond)
	q.Close()
	empty.CloseInput()
	wg.Wait()

	_, err = q.Dequeue(t.Context())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueueAckBoundedByRead(t *testing.T) {
	t.Parallel()
	q, err := New[int](10)
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, q.TryEnqueue(i))
	}
	for range 3 {
		_, err := q.Dequeue(t.Context())
		require.NoError(t, err)
	}

	q.Acker().Ack(2)
	q.Acker().Ack(5)

	s := q.Stats()
	assert.Equal(t, uint64(5), s.Written)
	assert.Equal(t, uint64(3), s.Read)
	assert.Equal(t, uint64(3), s.Acked)
}

func TestQueueOnChange(t *testing.T) {
	t.Parallel()
	signal := make(chan struct{}, 1)
	q, err := New(2, OptOnChange[int](func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, err)

	require.NoError(t, q.TryEnqueue(1))
	select {
	case <-signal:
	default:
		t.Fatal("expected change signal")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()
	q, err := New[[2]int](8)
	require.NoError(t, err)

	var wg conc.WaitGroup
	for p := range 4 {
		wg.Go(func() {
			for i := range 500 {
				assert.NoError(t, q.EnqueueBlocking(t.Context(), [2]int{p, i}))
			}
		})
	}

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for range 2000 {
		v, err := q.Dequeue(t.Context())
		require.NoError(t, err)
		require.Equal(t, last[v[0]]+1, v[1], "per producer order must be preserved")
		last[v[0]] = v[1]
	}
	wg.Wait()
}
