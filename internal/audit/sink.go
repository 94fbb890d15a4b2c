package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"movara.org/internal/ids"
	"movara.org/internal/obs"
)

const (
	defaultCapacity = 1024
	defaultInterval = 2 * time.Second
)

// Sink buffers audit events and flushes them to the store in batches.
// Critical events bypass the buffer: they flush synchronously and fall
// back to the notifier when the store is down, so a persistence outage
// cannot silently swallow a security event.
type Sink struct {
	store    Store
	notifier Notifier
	interval time.Duration
	capacity int
	now      func() time.Time

	mu     sync.Mutex
	queue  []Event
	closed bool

	done chan struct{}
	stop chan struct{}
}

// SinkOption configures Sink behavior.
type SinkOption func(*Sink)

// WithNotifier sets the fallback channel for critical events.
func WithNotifier(n Notifier) SinkOption {
	return func(s *Sink) { s.notifier = n }
}

// WithFlushInterval overrides the periodic flush interval.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCapacity bounds the in-memory queue.
func WithCapacity(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SinkOption {
	return func(s *Sink) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSink constructs a Sink writing to the given store.
func NewSink(store Store, opts ...SinkOption) (*Sink, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	s := &Sink{
		store:    store,
		interval: defaultInterval,
		capacity: defaultCapacity,
		now:      time.Now,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record enqueues an event for persistence. The event id and timestamp
// are assigned here when absent, and the actor is lifted from context.
// Critical events block until either the store or the fallback notifier
// has accepted them.
func (s *Sink) Record(ctx context.Context, evt Event) error {
	if strings.TrimSpace(evt.Type) == "" {
		return errors.New("audit: event type is required")
	}
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.At.IsZero() {
		evt.At = s.now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityLow
	}
	if evt.Outcome == "" {
		evt.Outcome = OutcomeSuccess
	}
	if evt.ActorID == "" {
		evt.ActorID = ActorFromContext(ctx)
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		if evt.Details == nil {
			evt.Details = map[string]any{}
		}
		evt.Details["request_id"] = rid
	}

	s.logLine(evt)

	if evt.Severity == SeverityCritical {
		return s.flushCritical(ctx, evt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Closed sink still writes through so late events are not lost.
		return s.store.Append(ctx, []Event{evt})
	}
	s.enqueueLocked(evt)
	return nil
}

// enqueueLocked appends to the bounded queue, dropping the oldest
// non-critical event on overflow.
func (s *Sink) enqueueLocked(evt Event) {
	if len(s.queue) >= s.capacity {
		dropped := false
		for i, queued := range s.queue {
			if queued.Severity != SeverityCritical {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			s.queue = s.queue[1:]
		}
		obs.CountAuditDropped()
	}
	s.queue = append(s.queue, evt)
	obs.SetAuditQueueDepth(len(s.queue))
}

func (s *Sink) flushCritical(ctx context.Context, evt Event) error {
	// Drain whatever is pending first so ordering survives in the store.
	s.Flush(ctx)
	if err := s.store.Append(ctx, []Event{evt}); err != nil {
		if s.notifier != nil {
			if nerr := s.notifier.Notify(ctx, evt); nerr == nil {
				return nil
			}
		}
		return err
	}
	if s.notifier != nil {
		_ = s.notifier.Notify(ctx, evt)
	}
	return nil
}

// Flush writes all buffered events. Failed batches are re-queued up to
// the capacity bound.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	obs.SetAuditQueueDepth(0)
	s.mu.Unlock()

	if err := s.store.Append(ctx, batch); err != nil {
		s.mu.Lock()
		for _, evt := range batch {
			s.enqueueLocked(evt)
		}
		s.mu.Unlock()
		obs.LogRequest(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "audit flush failed",
			"error": err.Error(),
			"count": len(batch),
		})
	}
}

// Run flushes the queue periodically until the context ends or Close is
// called.
func (s *Sink) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.WithoutCancel(ctx))
			return
		case <-s.stop:
			s.Flush(context.Background())
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Close stops the periodic flusher and drains the queue.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	<-s.done
}

// Pending reports the current queue depth.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// logLine mirrors every audit event to the structured log so operators
// can tail the trail without a store query.
func (s *Sink) logLine(evt Event) {
	entry := map[string]any{
		"ts":       evt.At.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    evt.Type,
		"severity": evt.Severity,
		"outcome":  evt.Outcome,
	}
	if evt.ActorID != "" {
		entry["actor_id"] = evt.ActorID
	}
	if len(evt.Details) > 0 {
		entry["fields"] = evt.Details
	}
	if evt.Risk != nil {
		entry["risk"] = evt.Risk
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
