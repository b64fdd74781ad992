package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/storage"
	"github.com/ashita-ai/keystone/internal/telemetry"
)

// DefaultSubscriberBuffer is the per-session event buffer.
const DefaultSubscriberBuffer = 64

// Notifier is the subset of storage.DB the broker uses for cross-replica
// fan-out.
type Notifier interface {
	HasNotifyConn() bool
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
	ReconnectNotify(ctx context.Context) error
}

// Listener reconnect backoff.
const (
	listenRetryBase = 250 * time.Millisecond
	listenRetryMax  = 15 * time.Second
)

// Subscription is one live session on an inspection topic.
type Subscription struct {
	InspectionID uuid.UUID
	OrgID        uuid.UUID
	// Seq is the broker's sequence marker when the session was registered.
	Seq uint64

	ch   chan model.RealtimeEvent
	once sync.Once
}

// Events delivers the session's events. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan model.RealtimeEvent {
	return s.ch
}

// Broker fans out realtime events to SSE sessions, one topic per inspection.
//
// Delivery is at-most-once: a session whose buffer is full misses the event
// and recovers by resyncing on its next subscription. Publish never blocks
// on subscribers. With a notify connection, events go through Postgres
// NOTIFY so that every replica's sessions receive them; otherwise they are
// broadcast in-process.
type Broker struct {
	db         Notifier
	logger     *slog.Logger
	bufferSize int

	seq atomic.Uint64

	// listening is set while the LISTEN connection is healthy. Events go
	// through NOTIFY only then.
	listening atomic.Bool
	retryBase time.Duration
	retryMax  time.Duration

	mu     sync.RWMutex
	topics map[uuid.UUID]map[*Subscription]struct{}

	dropped metric.Int64Counter
}

// NewBroker creates a broker. db may be nil for in-process only fan-out.
// Call Start to begin listening.
func NewBroker(db Notifier, bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	dropped, _ := telemetry.Meter("keystone/broker").Int64Counter("keystone.broker.dropped",
		metric.WithDescription("Realtime events dropped for sessions with a full buffer"))
	return &Broker{
		db:         db,
		logger:     logger,
		bufferSize: bufferSize,
		topics:     make(map[uuid.UUID]map[*Subscription]struct{}),
		retryBase:  listenRetryBase,
		retryMax:   listenRetryMax,
		dropped:    dropped,
	}
}

func (b *Broker) distributed() bool {
	return b.db != nil && b.db.HasNotifyConn()
}

// Start listens for events published by any replica and broadcasts them to
// local sessions. It blocks until ctx is cancelled; without a notify
// connection it returns immediately.
//
// When the listener fails, every local session is closed so its client goes
// offline and resyncs, and events are broadcast in-process until the notify
// connection is re-established with backoff. Sessions opened during the
// outage are closed again on recovery: they may have missed events from
// other replicas.
func (b *Broker) Start(ctx context.Context) {
	if !b.distributed() {
		b.logger.Info("broker: no notify connection, realtime fan-out is in-process only")
		return
	}

	delay := b.retryBase
	outage := false
	for attempt := 0; ; attempt++ {
		err := b.listen(ctx, attempt > 0)
		if err == nil {
			b.listening.Store(true)
			if outage {
				b.closeAll("listener recovered")
				outage = false
			}
			b.logger.Info("broker: listening for notifications", "channel", storage.ChannelFindings)
			delay = b.retryBase
			err = b.receive(ctx)
		}
		if ctx.Err() != nil {
			b.listening.Store(false)
			return // Shutting down.
		}

		if b.listening.Swap(false) {
			b.closeAll("listener lost")
		}
		outage = true
		b.logger.Warn("broker: listener down, delivering locally", "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, b.retryMax)
	}
}

// Listening reports whether cross-replica fan-out is currently active.
func (b *Broker) Listening() bool {
	return b.listening.Load()
}

// listen (re)establishes LISTEN, reconnecting first when asked to.
func (b *Broker) listen(ctx context.Context, reconnect bool) error {
	if reconnect {
		if err := b.db.ReconnectNotify(ctx); err != nil {
			return err
		}
	}
	return b.db.Listen(ctx, storage.ChannelFindings)
}

// receive broadcasts notifications until the listener fails.
func (b *Broker) receive(ctx context.Context) error {
	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev model.RealtimeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Warn("broker: malformed notification", "error", err)
			continue
		}
		b.broadcast(ev)
	}
}

// closeAll ends every local session. Clients see the stream close, go
// offline and resync on their next subscription.
func (b *Broker) closeAll(reason string) {
	b.mu.Lock()
	var subs []*Subscription
	for _, topic := range b.topics {
		for sub := range topic {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
	if len(subs) > 0 {
		b.logger.Warn("broker: closed sessions", "reason", reason, "sessions", len(subs))
	}
}

// Subscribe registers a session on an inspection's topic. The caller must
// have already verified that the inspection belongs to orgID, and must call
// Unsubscribe when done.
func (b *Broker) Subscribe(orgID, inspectionID uuid.UUID) *Subscription {
	sub := &Subscription{
		InspectionID: inspectionID,
		OrgID:        orgID,
		ch:           make(chan model.RealtimeEvent, b.bufferSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.Seq = b.seq.Load()
	topic, ok := b.topics[inspectionID]
	if !ok {
		topic = make(map[*Subscription]struct{})
		b.topics[inspectionID] = topic
	}
	topic[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a session and closes its channel. Safe to call twice.
func (b *Broker) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		b.mu.Lock()
		if topic, ok := b.topics[sub.InspectionID]; ok {
			delete(topic, sub)
			if len(topic) == 0 {
				delete(b.topics, sub.InspectionID)
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	})
}

// SubscriberCount returns the number of live sessions on an inspection.
func (b *Broker) SubscriberCount(inspectionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[inspectionID])
}

// PublishFindings publishes each committed finding once on its inspection's
// topic.
func (b *Broker) PublishFindings(ctx context.Context, orgID, inspectionID uuid.UUID, findings []model.Finding) {
	for i := range findings {
		b.publish(ctx, model.RealtimeEvent{
			Type:         model.EventFinding,
			InspectionID: inspectionID,
			OrgID:        orgID,
			Finding:      &findings[i],
		})
	}
}

// PublishReset announces an explicit score reset.
func (b *Broker) PublishReset(ctx context.Context, in model.Inspection) {
	b.publish(ctx, model.RealtimeEvent{
		Type:         model.EventReset,
		InspectionID: in.ID,
		OrgID:        in.OrgID,
		Inspection:   &in,
	})
}

func (b *Broker) publish(ctx context.Context, ev model.RealtimeEvent) {
	if b.distributed() && b.listening.Load() && b.notify(ctx, ev) {
		return
	}
	b.broadcast(ev)
}

// notify sends ev through Postgres. It reports false when the event must be
// delivered locally instead.
func (b *Broker) notify(ctx context.Context, ev model.RealtimeEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("broker: encode event, delivering locally", "inspection_id", ev.InspectionID, "error", err)
		return false
	}
	if err := b.db.Notify(ctx, storage.ChannelFindings, string(payload)); err != nil {
		b.logger.Warn("broker: notify failed, delivering locally", "inspection_id", ev.InspectionID, "error", err)
		return false
	}
	return true
}

// broadcast delivers ev to the local sessions of its topic. Sessions of
// another organization never receive it, even on an identifier collision.
func (b *Broker) broadcast(ev model.RealtimeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev.Seq = b.seq.Add(1)
	for sub := range b.topics[ev.InspectionID] {
		if sub.OrgID != ev.OrgID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Session buffer full: it misses this event and resyncs later.
			if b.dropped != nil {
				b.dropped.Add(context.Background(), 1)
			}
		}
	}
}
