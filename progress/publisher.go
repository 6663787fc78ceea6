package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/store"
)

// heartbeatInterval keeps SSE proxies from timing out idle
// subscriptions during long quiet stretches of a run.
const heartbeatInterval = 30 * time.Second

// Event types published on a job's channel.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// Event is the wire shape subscribers receive.
type Event struct {
	Type      string          `json:"type"`
	Counts    store.JobCounts `json:"counts"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel renders the Redis channel name for a job.
func Channel(syncJobID string) string { return "sync-job:" + syncJobID }

// Publisher emits a run's events. A Publisher with a nil client is the
// disabled form: every publish is a no-op beyond a one-time info log,
// and the run proceeds identically.
type Publisher struct {
	client    redis.UniversalClient
	channel   string
	counts    *Counts
	logger    *log.Entry
	announced sync.Once
}

// NewPublisher builds a publisher for one job. |client| may be nil to
// disable monitoring.
func NewPublisher(client redis.UniversalClient, syncJobID string, counts *Counts, logger *log.Entry) *Publisher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Publisher{
		client:  client,
		channel: Channel(syncJobID),
		counts:  counts,
		logger:  logger.WithField("channel", Channel(syncJobID)),
	}
}

// Publish emits one event with current counts. Publish failures are
// logged and swallowed: monitoring must never fail a sync.
func (p *Publisher) Publish(ctx context.Context, eventType, message string) {
	if p == nil || p.client == nil {
		if p != nil {
			p.announced.Do(func() {
				p.logger.Info("progress monitoring disabled; no pub/sub backend configured")
			})
		}
		return
	}

	var raw, err = json.Marshal(Event{
		Type:      eventType,
		Counts:    p.counts.Snapshot(),
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.WithField("err", err).Warn("failed to encode progress event")
		return
	}
	if err = p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		p.logger.WithField("err", err).Warn("failed to publish progress event")
	}
}

// Heartbeat publishes keep-alive events until the context ends. Run it
// as a goroutine for the duration of the sync.
func (p *Publisher) Heartbeat(ctx context.Context) {
	if p == nil || p.client == nil {
		return
	}
	var ticker = time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Publish(ctx, EventHeartbeat, "")
		}
	}
}

// Subscribe follows a job's events. The returned channel closes when
// the context ends. Subscribers are optional and late: missing the
// early events of a run is expected.
func Subscribe(ctx context.Context, client redis.UniversalClient, syncJobID string) (<-chan Event, error) {
	var sub = client.Subscribe(ctx, Channel(syncJobID))
	// Force the subscription onto the wire before the caller assumes
	// it's live.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	var out = make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue // A malformed event is dropped, not fatal.
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
