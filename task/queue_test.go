package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, u := range []string{"a", "b", "c"} {
		q.Push(&Record{URL: u})
	}
	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))

	r, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", r.URL)
	r, err = q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c", r.URL)

	_, err = q.Pop(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, errQueueTimeout)
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(&Record{URL: "late"})
	}()
	r, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", r.URL)
}

func TestQueue_PopCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ConcurrentConsumers(t *testing.T) {
	q := NewQueue()
	const n = 50
	for i := 0; i < n; i++ {
		q.Push(&Record{URL: string(rune('A' + i))})
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := q.Pop(context.Background(), 20*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[r.URL]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for u, c := range seen {
		assert.Equal(t, 1, c, u)
	}
	assert.Empty(t, q.Drain())
}

func TestEvents_SinceAndCap(t *testing.T) {
	bus := NewEvents(2)
	bus.publish(Event{Kind: EventProgressUpdated, Message: "1"})
	bus.publish(Event{Kind: EventProgressUpdated, Message: "2"})
	bus.publish(Event{Kind: EventProgressUpdated, Message: "3"})

	events := bus.Since(0)
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].Message)
	assert.Equal(t, int64(3), events[1].Seq)

	assert.Len(t, bus.Since(2), 1)
}

func TestEvents_SubscribeByKind(t *testing.T) {
	bus := NewEvents(0)
	var all, status int
	unsubAll := bus.Subscribe("", func(Event) { all++ })
	unsubStatus := bus.Subscribe(EventBatchStatusChanged, func(Event) { status++ })

	bus.publish(Event{Kind: EventBatchStatusChanged})
	bus.publish(Event{Kind: EventTaskUpdated})
	assert.Equal(t, 2, all)
	assert.Equal(t, 1, status)

	unsubStatus()
	bus.publish(Event{Kind: EventBatchStatusChanged})
	assert.Equal(t, 3, all)
	assert.Equal(t, 1, status)
	unsubAll()
}
