package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longfeng22/MaliangAINovalWriter-sub003/internal/observability"
)

// Transport mirrors events onto a cross-instance message-passing bridge.
// Every instance, including the publisher's own, consumes the bridge and
// hands received events to Broker.Deliver.
type Transport interface {
	Mirror(ctx context.Context, ev Event) error
}

type Config struct {
	// OriginID identifies this instance on the bridge.
	OriginID string

	// DedupWindow suppresses re-emission of an identical event fingerprint
	// observed within this trailing window.
	DedupWindow time.Duration

	// InternalTaskTypes never emit SUBMITTED/STARTED/PROGRESS; terminal
	// events still go out so callers learn the final outcome.
	InternalTaskTypes []string

	// SubscriberBuffer is the per-subscriber channel capacity. A subscriber
	// that falls this far behind starts losing events rather than blocking
	// publishers.
	SubscriberBuffer int
}

type Broker struct {
	cfg       Config
	logger    *zap.Logger
	transport Transport
	internal  map[string]struct{}

	mu     sync.Mutex
	seen   map[string]time.Time
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewBroker(cfg Config, logger *zap.Logger, transport Transport) *Broker {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}

	internal := make(map[string]struct{}, len(cfg.InternalTaskTypes))
	for _, t := range cfg.InternalTaskTypes {
		internal[t] = struct{}{}
	}

	return &Broker{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		internal:  internal,
		seen:      make(map[string]time.Time),
		subs:      make(map[int]chan Event),
	}
}

// Publish emits ev to local subscribers and mirrors it onto the bridge.
// Publishing is best-effort by contract: transport errors are logged and
// swallowed so a state transition is never blocked or rolled back by event
// delivery.
func (b *Broker) Publish(ctx context.Context, ev Event) {
	b.publish(ctx, ev, false)
}

// Republish emits ev even when its fingerprint falls inside the de-dup
// window. Post-completion result replacement re-announces an event
// subscribers already saw; suppressing it would leave them on the stale
// result.
func (b *Broker) Republish(ctx context.Context, ev Event) {
	b.publish(ctx, ev, true)
}

func (b *Broker) publish(ctx context.Context, ev Event, force bool) {
	if b.suppressed(ev) {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.OriginID = b.cfg.OriginID

	if !b.emit(ev, force) {
		return
	}

	if b.transport != nil {
		if err := b.transport.Mirror(ctx, ev); err != nil {
			b.logger.Warn("event bridge mirror failed",
				zap.String("type", string(ev.Type)),
				zap.String("task_id", ev.TaskID),
				zap.Error(err),
			)
		}
	}
}

// Deliver re-publishes an event received from the cross-instance bridge to
// local subscribers. Self-origin echoes are dropped; everything else passes
// through the same de-duplication window as local publishes.
func (b *Broker) Deliver(ev Event) {
	if ev.OriginID == b.cfg.OriginID {
		return
	}
	if b.suppressed(ev) {
		return
	}
	b.emit(ev, false)
}

// Subscribe returns a channel of events published after this call, plus a
// cancel func. No history is replayed.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.cfg.SubscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broker) suppressed(ev Event) bool {
	if ev.Terminal() {
		return false
	}
	_, internal := b.internal[ev.TaskType]
	return internal
}

// emit fans ev out to subscribers unless its fingerprint was already seen
// within the de-dup window. Returns whether the event was fresh.
func (b *Broker) emit(ev Event, force bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	now := time.Now()
	fp := ev.Fingerprint()
	if last, ok := b.seen[fp]; ok && !force && now.Sub(last) < b.cfg.DedupWindow {
		observability.EventsDedupedTotal.WithLabelValues(string(ev.Type)).Inc()
		return false
	}
	b.seen[fp] = now
	if len(b.seen) > 1000 {
		b.pruneSeenLocked(now)
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than block the publish path
		}
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	return true
}

func (b *Broker) pruneSeenLocked(now time.Time) {
	cutoff := 10 * b.cfg.DedupWindow
	for fp, t := range b.seen {
		if now.Sub(t) > cutoff {
			delete(b.seen, fp)
		}
	}
}
