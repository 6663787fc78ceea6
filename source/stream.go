package source

import (
	"context"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/airweave-ai/sync-engine/entity"
)

// Stream pulls a connector's generator into a bounded buffer. The pump
// goroutine blocks whenever the buffer is full, which propagates
// backpressure to the connector's own sends; consumers dequeue in
// arrival order. A connector error closes the stream and is reported by
// Err after the channel drains.
type Stream struct {
	out    chan entity.Entity
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	cursor   []byte
	streamed int64
}

// Open starts pumping the connector. |buffer| bounds pending entities;
// the conventional size is twice the worker count.
func Open(ctx context.Context, src Source, buffer int, logger *log.Entry) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	ctx, cancel := context.WithCancel(ctx)
	var s = &Stream{
		out:    make(chan entity.Entity, buffer),
		cancel: cancel,
	}

	go func() {
		defer close(s.out)
		for res := range src.GenerateEntities(ctx) {
			if res.Err != nil {
				s.mu.Lock()
				s.err = res.Err
				s.mu.Unlock()
				logger.WithField("err", res.Err).Error("source stream failed")
				return
			}
			if res.Cursor != nil {
				s.mu.Lock()
				if len(s.cursor) == 0 {
					s.cursor = append([]byte(nil), res.Cursor...)
				} else if merged, err := jsonpatch.MergePatch(s.cursor, res.Cursor); err != nil {
					logger.WithField("err", err).Warn("dropping malformed cursor update")
				} else {
					s.cursor = merged
				}
				s.mu.Unlock()
			}
			if res.Entity == nil {
				continue // A bare cursor checkpoint.
			}
			select {
			case s.out <- res.Entity:
				s.mu.Lock()
				s.streamed++
				s.mu.Unlock()
			case <-ctx.Done():
				s.mu.Lock()
				s.err = ctx.Err()
				s.mu.Unlock()
				return
			}
		}
	}()
	return s
}

// C is the entity channel. It closes when the source is exhausted,
// errored, or the stream was closed; check Err afterwards.
func (s *Stream) C() <-chan entity.Entity { return s.out }

// Close stops the pump. Safe to call at any time, including after the
// source is exhausted.
func (s *Stream) Close() { s.cancel() }

// Err reports the connector or cancellation error which ended the
// stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cursor returns the connector's cursor updates folded into one RFC 7396
// merge patch, or nil when none were emitted. A connector checkpointing
// several resources independently keeps every resource's key.
func (s *Stream) Cursor() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil
	}
	var out = make([]byte, len(s.cursor))
	copy(out, s.cursor)
	return out
}

// Streamed counts entities the connector has emitted into the stream.
func (s *Stream) Streamed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}
