package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCountsAreConcurrencySafe(t *testing.T) {
	var c Counts
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.AddInserted(1)
				c.AddSkipped(1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	require.Equal(t, int64(1000), s.Inserted)
	require.Equal(t, int64(1000), s.Skipped)
	require.Equal(t, int64(2000), c.Total())
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublishAndSubscribe(t *testing.T) {
	client := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Subscribe(ctx, client, "job-1")
	require.NoError(t, err)

	var counts Counts
	counts.AddInserted(3)
	counts.AddKept(2)
	pub := NewPublisher(client, "job-1", &counts, nil)

	pub.Publish(ctx, EventConnected, "")
	pub.Publish(ctx, EventProgress, "")

	ev := <-events
	require.Equal(t, EventConnected, ev.Type)
	ev = <-events
	require.Equal(t, EventProgress, ev.Type)
	require.Equal(t, int64(3), ev.Counts.Inserted)
	require.Equal(t, int64(2), ev.Counts.Kept)
	require.False(t, ev.Timestamp.IsZero())
}

func TestPublishErrorEventCarriesMessage(t *testing.T) {
	client := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Subscribe(ctx, client, "job-2")
	require.NoError(t, err)

	pub := NewPublisher(client, "job-2", &Counts{}, nil)
	pub.Publish(ctx, EventError, "the source exploded")

	select {
	case ev := <-events:
		require.Equal(t, EventError, ev.Type)
		require.Equal(t, "the source exploded", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("no event arrived")
	}
}

func TestDisabledPublisherIsSafe(t *testing.T) {
	var pub *Publisher
	pub.Publish(context.Background(), EventProgress, "") // nil receiver

	pub = NewPublisher(nil, "job-3", &Counts{}, nil)
	pub.Publish(context.Background(), EventProgress, "")
	pub.Publish(context.Background(), EventProgress, "")
	pub.Heartbeat(context.Background()) // Returns immediately when disabled.
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	client := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := Subscribe(ctx, client, "job-4")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}
