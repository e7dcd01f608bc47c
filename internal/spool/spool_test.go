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

package spool

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redpanda-data/connect-spool/internal/spool/acker"
	"github.com/redpanda-data/connect-spool/internal/spool/codec"
	"github.com/redpanda-data/connect-spool/internal/spool/disk"
)

func stringOpts() Options[string] {
	return Options[string]{Codec: codec.String{}}
}

func items(from, to int) []string {
	var s []string
	for i := from; i <= to; i++ {
		s = append(s, fmt.Sprintf("item-%d", i))
	}
	return s
}

func build(t *testing.T, conf Config) (*Producer[string], *Consumer[string], acker.Acker) {
	t.Helper()
	p, c, a, err := Build(conf, stringOpts())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close(context.Background())
	})
	return p, c, a
}

func dequeueN(t *testing.T, c *Consumer[string], n int) []string {
	t.Helper()
	ctx, done := context.WithTimeout(t.Context(), 5*time.Second)
	defer done()

	var out []string
	for range n {
		v, err := c.Dequeue(ctx)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func counterOf(t *testing.T, a acker.Acker) uint64 {
	t.Helper()
	ctr, ok := a.(*acker.Counter)
	require.True(t, ok)
	return ctr.Acknowledged()
}

func TestBuildInvalidConfig(t *testing.T) {
	t.Parallel()

	_, _, _, err := Build(Config{Type: TypeMemory, WhenFull: WhenFullBlock}, stringOpts())
	require.Error(t, err)

	_, _, _, err = Build(NewDiskConfig(t.TempDir()), Options[string]{})
	require.ErrorContains(t, err, "codec")
}

func TestDropNewest(t *testing.T) {
	t.Parallel()

	memConf := NewMemoryConfig()
	memConf.Capacity = 3
	memConf.WhenFull = WhenFullDropNewest

	// Frames of "item-N" are 10 bytes, leaving room for exactly three.
	diskConf := NewDiskConfig(t.TempDir())
	diskConf.MaxSize = 30
	diskConf.WhenFull = WhenFullDropNewest

	for name, conf := range map[string]Config{
		"memory": memConf,
		"disk":   diskConf,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p, c, _ := build(t, conf)

			var dropped int
			for _, v := range items(1, 5) {
				err := p.Send(t.Context(), v)
				if err != nil {
					require.ErrorIs(t, err, ErrDropped)
					dropped++
				}
			}
			assert.Equal(t, 2, dropped)
			assert.Equal(t, items(1, 3), dequeueN(t, c, 3))

			require.ErrorIs(t, p.TryEnqueue("item-6"), ErrFull)
		})
	}
}

func TestDropNewestDiskAcceptsAfterAck(t *testing.T) {
	t.Parallel()

	for name, fill := range map[string][]string{
		"sealed segments": items(1, 3),
		"active segment":  {strings.Repeat("x", 26)},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			conf := NewDiskConfig(t.TempDir())
			conf.MaxSize = 30
			conf.SegmentSize = 15
			conf.WhenFull = WhenFullDropNewest
			p, c, a := build(t, conf)

			for _, v := range fill {
				require.NoError(t, p.Send(t.Context(), v))
			}
			require.ErrorIs(t, p.Send(t.Context(), "dropped"), ErrDropped)

			assert.Equal(t, fill, dequeueN(t, c, len(fill)))
			a.Ack(len(fill))

			// Once everything is acknowledged the space is reclaimed and
			// new items are no longer dropped.
			require.Eventually(t, func() bool {
				return p.Send(t.Context(), "kept") == nil
			}, 5*time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{"kept"}, dequeueN(t, c, 1))
		})
	}
}

func TestBlockBackpressure(t *testing.T) {
	t.Parallel()

	memConf := NewMemoryConfig()
	memConf.Capacity = 1

	diskConf := NewDiskConfig(t.TempDir())
	diskConf.MaxSize = 10

	for name, conf := range map[string]Config{
		"memory": memConf,
		"disk":   diskConf,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p, c, a := build(t, conf)

			require.NoError(t, p.Send(t.Context(), "item-1"))

			sent := make(chan error, 1)
			go func() {
				sent <- p.Send(t.Context(), "item-2")
			}()

			select {
			case err := <-sent:
				t.Fatalf("send should block while full, returned: %v", err)
			case <-time.After(50 * time.Millisecond):
			}

			assert.Equal(t, []string{"item-1"}, dequeueN(t, c, 1))
			a.Ack(1)

			select {
			case err := <-sent:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for blocked send")
			}
			assert.Equal(t, []string{"item-2"}, dequeueN(t, c, 1))
		})
	}
}

func TestProducerCloseEndsConsumer(t *testing.T) {
	t.Parallel()
	p, c, _ := build(t, NewDiskConfig(t.TempDir()))

	for _, v := range items(1, 3) {
		require.NoError(t, p.Send(t.Context(), v))
	}
	p.Close()
	require.ErrorIs(t, p.Send(t.Context(), "item-4"), ErrClosed)

	assert.Equal(t, items(1, 3), dequeueN(t, c, 3))
	_, err := c.Dequeue(t.Context())
	require.ErrorIs(t, err, ErrEndOfBuffer)
}

func TestConsumerCloseIsLossyForMemory(t *testing.T) {
	t.Parallel()
	p, c, _ := build(t, NewMemoryConfig())

	require.NoError(t, p.Send(t.Context(), "item-1"))
	require.NoError(t, c.Close(t.Context()))

	_, err := c.Dequeue(t.Context())
	require.ErrorIs(t, err, ErrClosed)
}

func TestDiskReopenResumesAfterAck(t *testing.T) {
	t.Parallel()
	conf := NewDiskConfig(t.TempDir())

	p, c, a, err := Build(conf, stringOpts())
	require.NoError(t, err)
	for _, v := range items(1, 10) {
		require.NoError(t, p.Send(t.Context(), v))
	}
	assert.Equal(t, items(1, 6), dequeueN(t, c, 6))
	a.Ack(4)
	require.NoError(t, c.Close(t.Context()))

	_, c, _ = build(t, conf)
	assert.Equal(t, items(5, 10), dequeueN(t, c, 6))
}

func TestDiskPathLocked(t *testing.T) {
	t.Parallel()
	conf := NewDiskConfig(t.TempDir())

	build(t, conf)
	_, _, _, err := Build(conf, stringOpts())
	require.ErrorIs(t, err, disk.ErrLocked)
}

func overflowConfig(t *testing.T) Config {
	primary := NewMemoryConfig()
	primary.Capacity = 2
	primary.WhenFull = WhenFullOverflow

	secondary := NewDiskConfig(t.TempDir())
	primary.Overflow = &secondary
	return primary
}

func TestOverflowDrainsPrimaryFirst(t *testing.T) {
	t.Parallel()
	p, c, a := build(t, overflowConfig(t))

	for _, v := range items(1, 5) {
		require.NoError(t, p.Send(t.Context(), v))
	}
	p.Close()

	assert.Equal(t, items(1, 5), dequeueN(t, c, 5))
	_, err := c.Dequeue(t.Context())
	require.ErrorIs(t, err, ErrEndOfBuffer)

	a.Ack(5)
	assert.Equal(t, uint64(2), counterOf(t, c.sources[0].Acker()))
	assert.Equal(t, uint64(3), counterOf(t, c.sources[1].Acker()))
}

func TestOverflowRoutesAcksInOrder(t *testing.T) {
	t.Parallel()
	p, c, a := build(t, overflowConfig(t))

	for _, v := range items(1, 3) {
		require.NoError(t, p.Send(t.Context(), v))
	}
	assert.Equal(t, []string{"item-1"}, dequeueN(t, c, 1))

	// The primary has room again, so item-4 is read before item-3.
	require.NoError(t, p.Send(t.Context(), "item-4"))
	assert.Equal(t, []string{"item-2", "item-4", "item-3"}, dequeueN(t, c, 3))

	a.Ack(2)
	assert.Equal(t, uint64(2), counterOf(t, c.sources[0].Acker()))
	assert.Equal(t, uint64(0), counterOf(t, c.sources[1].Acker()))

	a.Ack(2)
	assert.Equal(t, uint64(3), counterOf(t, c.sources[0].Acker()))
	assert.Equal(t, uint64(1), counterOf(t, c.sources[1].Acker()))

	// Acknowledging more than was read is ignored.
	a.Ack(3)
	assert.Equal(t, uint64(3), counterOf(t, c.sources[0].Acker()))
	assert.Equal(t, uint64(1), counterOf(t, c.sources[1].Acker()))
}

func TestOverflowConsumerWakesOnSecondary(t *testing.T) {
	t.Parallel()
	_, c, _ := build(t, overflowConfig(t))

	got := make(chan string, 1)
	go func() {
		v, err := c.Dequeue(t.Context())
		assert.NoError(t, err)
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.sources[1].EnqueueBlocking(t.Context(), "direct"))

	select {
	case v := <-got:
		assert.Equal(t, "direct", v)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dequeue")
	}
}
