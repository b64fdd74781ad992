package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopbackNotifier delivers every Notify back to WaitForNotification, like a
// single-replica LISTEN/NOTIFY round trip.
type loopbackNotifier struct {
	mu        sync.Mutex
	listening []string
	notifyErr error
	payloads  chan string
}

func newLoopback() *loopbackNotifier {
	return &loopbackNotifier{payloads: make(chan string, 16)}
}

func (l *loopbackNotifier) HasNotifyConn() bool { return true }

func (l *loopbackNotifier) Listen(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listening = append(l.listening, channel)
	return nil
}

func (l *loopbackNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-l.payloads:
		return storage.ChannelFindings, p, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (l *loopbackNotifier) Notify(_ context.Context, _ string, payload string) error {
	if l.notifyErr != nil {
		return l.notifyErr
	}
	if len(payload) > storage.MaxNotifyPayload {
		return storage.ErrPayloadTooLarge
	}
	l.payloads <- payload
	return nil
}

func (l *loopbackNotifier) ReconnectNotify(context.Context) error { return nil }

var errConnClosed = errors.New("conn closed")

// droppableListener is a loopback whose LISTEN connection can be killed
// while NOTIFY through the pool keeps working. It stays dead until
// ReconnectNotify succeeds; failReconnects makes that many attempts fail.
type droppableListener struct {
	*loopbackNotifier

	state          sync.Mutex
	dead           bool
	killed         chan struct{}
	reconnects     int
	failReconnects int
}

func newDroppable() *droppableListener {
	return &droppableListener{loopbackNotifier: newLoopback(), killed: make(chan struct{})}
}

func (d *droppableListener) kill() {
	d.state.Lock()
	defer d.state.Unlock()
	if !d.dead {
		d.dead = true
		close(d.killed)
	}
}

func (d *droppableListener) WaitForNotification(ctx context.Context) (string, string, error) {
	d.state.Lock()
	dead, killed := d.dead, d.killed
	d.state.Unlock()
	if dead {
		return "", "", errConnClosed
	}
	select {
	case p := <-d.payloads:
		return storage.ChannelFindings, p, nil
	case <-killed:
		return "", "", errConnClosed
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (d *droppableListener) ReconnectNotify(context.Context) error {
	d.state.Lock()
	defer d.state.Unlock()
	d.reconnects++
	if d.failReconnects > 0 {
		d.failReconnects--
		return errors.New("connection refused")
	}
	if d.dead {
		d.dead = false
		d.killed = make(chan struct{})
	}
	return nil
}

func (d *droppableListener) reconnectCount() int {
	d.state.Lock()
	defer d.state.Unlock()
	return d.reconnects
}

func (d *droppableListener) listenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listening)
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("session was not closed")
		}
	}
}

func startBroker(t *testing.T, n Notifier) *Broker {
	t.Helper()
	b := NewBroker(n, 0, testLogger())
	b.retryBase = 20 * time.Millisecond
	b.retryMax = 40 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Start(ctx)
	require.Eventually(t, b.Listening, time.Second, time.Millisecond)
	return b
}

func finding(inspectionID uuid.UUID) model.Finding {
	return model.Finding{
		ID:              uuid.New(),
		InspectionID:    inspectionID,
		PathologyType:   model.PathologyCrack,
		ElementType:     model.ElementBeam,
		Severity:        model.SeverityMedium,
		MetricDeviation: 3.1,
	}
}

func recv(t *testing.T, sub *Subscription) model.RealtimeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.RealtimeEvent{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestBrokerFanOutPerInspection(t *testing.T) {
	b := NewBroker(nil, 0, testLogger())
	orgID := uuid.New()
	inspA, inspB := uuid.New(), uuid.New()

	a1 := b.Subscribe(orgID, inspA)
	a2 := b.Subscribe(orgID, inspA)
	other := b.Subscribe(orgID, inspB)
	defer b.Unsubscribe(a1)
	defer b.Unsubscribe(a2)
	defer b.Unsubscribe(other)

	f := finding(inspA)
	b.PublishFindings(context.Background(), orgID, inspA, []model.Finding{f})

	for _, sub := range []*Subscription{a1, a2} {
		ev := recv(t, sub)
		assert.Equal(t, model.EventFinding, ev.Type)
		require.NotNil(t, ev.Finding)
		assert.Equal(t, f.ID, ev.Finding.ID)
		assert.Equal(t, uint64(1), ev.Seq)
	}
	assertNoEvent(t, other)
}

func TestBrokerIsolatesOrganizations(t *testing.T) {
	b := NewBroker(nil, 0, testLogger())
	inspectionID := uuid.New()
	mine := b.Subscribe(uuid.New(), inspectionID)
	defer b.Unsubscribe(mine)

	// Same inspection ID, different tenant.
	b.PublishFindings(context.Background(), uuid.New(), inspectionID, []model.Finding{finding(inspectionID)})
	assertNoEvent(t, mine)
}

func TestBrokerSequenceMarker(t *testing.T) {
	b := NewBroker(nil, 0, testLogger())
	orgID, inspectionID := uuid.New(), uuid.New()

	first := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(first)
	assert.Equal(t, uint64(0), first.Seq)

	b.PublishFindings(context.Background(), orgID, inspectionID,
		[]model.Finding{finding(inspectionID), finding(inspectionID)})

	late := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(late)
	assert.Equal(t, uint64(2), late.Seq)

	assert.Equal(t, uint64(1), recv(t, first).Seq)
	assert.Equal(t, uint64(2), recv(t, first).Seq)
	assertNoEvent(t, late)
}

func TestBrokerSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(nil, 4, testLogger())
	orgID, inspectionID := uuid.New(), uuid.New()
	slow := b.Subscribe(orgID, inspectionID)
	fast := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			b.PublishFindings(context.Background(), orgID, inspectionID, []model.Finding{finding(inspectionID)})
			// Drain fast so only slow overflows.
			<-fast.Events()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow.Events(), 4)
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(nil, 0, testLogger())
	orgID, inspectionID := uuid.New(), uuid.New()
	sub := b.Subscribe(orgID, inspectionID)
	assert.Equal(t, 1, b.SubscriberCount(inspectionID))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount(inspectionID))
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing to an empty topic is a no-op.
	b.PublishFindings(context.Background(), orgID, inspectionID, []model.Finding{finding(inspectionID)})
}

func TestBrokerReset(t *testing.T) {
	b := NewBroker(nil, 0, testLogger())
	in := model.Inspection{ID: uuid.New(), OrgID: uuid.New(), HealthScore: 100}
	sub := b.Subscribe(in.OrgID, in.ID)
	defer b.Unsubscribe(sub)

	b.PublishReset(context.Background(), in)
	ev := recv(t, sub)
	assert.Equal(t, model.EventReset, ev.Type)
	require.NotNil(t, ev.Inspection)
	assert.Equal(t, 100, ev.Inspection.HealthScore)
}

func TestBrokerDistributedRoundTrip(t *testing.T) {
	n := newLoopback()
	b := NewBroker(n, 0, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.listening) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, storage.ChannelFindings, n.listening[0])

	orgID, inspectionID := uuid.New(), uuid.New()
	sub := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(sub)

	f := finding(inspectionID)
	b.PublishFindings(ctx, orgID, inspectionID, []model.Finding{f})
	ev := recv(t, sub)
	require.NotNil(t, ev.Finding)
	assert.Equal(t, f.ID, ev.Finding.ID)

	// Malformed payloads are skipped.
	n.payloads <- "{not json"
	b.PublishFindings(ctx, orgID, inspectionID, []model.Finding{finding(inspectionID)})
	assert.Equal(t, model.EventFinding, recv(t, sub).Type)
}

func TestBrokerNotifyFailureFallsBackToLocal(t *testing.T) {
	n := newLoopback()
	n.notifyErr = errors.New("connection reset")
	b := NewBroker(n, 0, testLogger())
	orgID, inspectionID := uuid.New(), uuid.New()
	sub := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(sub)

	b.PublishFindings(context.Background(), orgID, inspectionID, []model.Finding{finding(inspectionID)})
	assert.Equal(t, model.EventFinding, recv(t, sub).Type)
}

func TestBrokerOversizedEventDeliveredLocally(t *testing.T) {
	n := newLoopback()
	b := NewBroker(n, 0, testLogger())
	orgID, inspectionID := uuid.New(), uuid.New()
	sub := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(sub)

	f := finding(inspectionID)
	ref := strings.Repeat("x", storage.MaxNotifyPayload)
	f.NormativeReference = &ref
	b.PublishFindings(context.Background(), orgID, inspectionID, []model.Finding{f})

	ev := recv(t, sub)
	require.NotNil(t, ev.Finding)
	assert.Len(t, n.payloads, 0, "oversized event must not go through NOTIFY")
}

func TestWriteEvent(t *testing.T) {
	var sb strings.Builder
	ev := model.RealtimeEvent{Type: model.EventSubscribed, InspectionID: uuid.New(), Seq: 7}
	require.NoError(t, writeEvent(&sb, ev))

	frame := sb.String()
	assert.True(t, strings.HasPrefix(frame, "event: subscribed\nid: 7\ndata: "))
	assert.True(t, strings.HasSuffix(frame, "\n\n"))

	data := strings.TrimSuffix(strings.SplitN(frame, "data: ", 2)[1], "\n\n")
	var got model.RealtimeEvent
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, ev.InspectionID, got.InspectionID)
}

func TestBrokerListenerLossClosesSessionsAndDeliversLocally(t *testing.T) {
	n := newDroppable()
	n.failReconnects = 1 << 20
	b := startBroker(t, n)
	orgID, inspectionID := uuid.New(), uuid.New()

	watching := b.Subscribe(orgID, inspectionID)
	n.kill()

	// The session ends so its dashboard goes offline and resyncs.
	waitClosed(t, watching)
	assert.False(t, b.Listening())
	assert.Equal(t, 0, b.SubscriberCount(inspectionID))

	// While the listener is down, events reach local sessions directly.
	sub := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(sub)
	f := finding(inspectionID)
	b.PublishFindings(context.Background(), orgID, inspectionID, []model.Finding{f})
	ev := recv(t, sub)
	require.NotNil(t, ev.Finding)
	assert.Equal(t, f.ID, ev.Finding.ID)
	assert.Len(t, n.payloads, 0, "no NOTIFY while the listener is down")

	// Reconnects back off instead of spinning.
	time.Sleep(200 * time.Millisecond)
	assert.Less(t, n.reconnectCount(), 20)
}

func TestBrokerListenerRecovers(t *testing.T) {
	n := newDroppable()
	b := startBroker(t, n)
	orgID, inspectionID := uuid.New(), uuid.New()

	n.state.Lock()
	n.failReconnects = 2
	n.state.Unlock()
	n.kill()
	require.Eventually(t, func() bool { return !b.Listening() }, time.Second, time.Millisecond)

	// Opened during the outage: it may miss other replicas' events, so it
	// is closed again once the listener is back.
	during := b.Subscribe(orgID, inspectionID)
	require.Eventually(t, b.Listening, 2*time.Second, time.Millisecond)
	waitClosed(t, during)
	assert.Equal(t, 3, n.reconnectCount())
	assert.Equal(t, 2, n.listenCount())

	after := b.Subscribe(orgID, inspectionID)
	defer b.Unsubscribe(after)
	f := finding(inspectionID)
	b.PublishFindings(context.Background(), orgID, inspectionID, []model.Finding{f})
	ev := recv(t, after)
	require.NotNil(t, ev.Finding)
	assert.Equal(t, f.ID, ev.Finding.ID)
}
