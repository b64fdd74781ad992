package alert_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keystone/internal/alert"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/testutil"
)

func sampleAlert() alert.Alert {
	return alert.Alert{
		InspectionID: uuid.New(),
		OrgID:        uuid.New(),
		HealthScore:  40,
		Findings: []model.Finding{{
			ID:              uuid.New(),
			PathologyType:   model.PathologyStructural,
			ElementType:     model.ElementColumn,
			MetricDeviation: 7.2,
			Severity:        model.SeverityCritical,
		}},
		RaisedAt: time.Now().UTC(),
	}
}

func TestWebhookDispatcher(t *testing.T) {
	var got alert.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := sampleAlert()
	require.NoError(t, alert.NewWebhookDispatcher(srv.URL, nil).Dispatch(context.Background(), a))
	assert.Equal(t, a.InspectionID, got.InspectionID)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, model.SeverityCritical, got.Findings[0].Severity)
}

func TestWebhookDispatcherNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := alert.NewWebhookDispatcher(srv.URL, nil).Dispatch(context.Background(), sampleAlert())
	assert.ErrorContains(t, err, "webhook returned 502")
}

type dispatchFunc func(ctx context.Context, a alert.Alert) error

func (f dispatchFunc) Dispatch(ctx context.Context, a alert.Alert) error { return f(ctx, a) }

// syncBuffer is an io.Writer safe for the logger goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestAsyncFireDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan alert.Alert, 1)
	d := dispatchFunc(func(ctx context.Context, a alert.Alert) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		delivered <- a
		return nil
	})
	async := alert.NewAsync(d, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// The caller's context is canceled right away; the send must survive it.
	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	async.Fire(ctx, sampleAlert())
	cancel()
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered after caller cancellation")
	}
	require.NoError(t, async.Close(context.Background()))
}

func TestAsyncLogsFailures(t *testing.T) {
	logs := &syncBuffer{}
	d := dispatchFunc(func(context.Context, alert.Alert) error { return errors.New("smtp down") })
	async := alert.NewAsync(d, time.Second, slog.New(slog.NewTextHandler(logs, nil)))

	a := sampleAlert()
	async.Fire(context.Background(), a)
	require.NoError(t, async.Close(context.Background()))

	out := logs.String()
	assert.Contains(t, out, "alert: dispatch failed")
	assert.Contains(t, out, "smtp down")
	assert.Contains(t, out, a.InspectionID.String())
}

func TestAsyncRecoversPanics(t *testing.T) {
	logs := &syncBuffer{}
	d := dispatchFunc(func(context.Context, alert.Alert) error { panic("boom") })
	async := alert.NewAsync(d, time.Second, slog.New(slog.NewTextHandler(logs, nil)))

	async.Fire(context.Background(), sampleAlert())
	require.NoError(t, async.Close(context.Background()))
	assert.Contains(t, logs.String(), "dispatcher panic: boom")
}

func TestAsyncTimeout(t *testing.T) {
	logs := &syncBuffer{}
	d := dispatchFunc(func(ctx context.Context, _ alert.Alert) error {
		<-ctx.Done()
		return ctx.Err()
	})
	async := alert.NewAsync(d, 20*time.Millisecond, slog.New(slog.NewTextHandler(logs, nil)))

	async.Fire(context.Background(), sampleAlert())
	require.NoError(t, async.Close(context.Background()))
	assert.Contains(t, logs.String(), "deadline exceeded")
}

func TestAsyncDropsAfterClose(t *testing.T) {
	var calls int
	var mu sync.Mutex
	d := dispatchFunc(func(context.Context, alert.Alert) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	async := alert.NewAsync(d, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, async.Close(context.Background()))
	require.NoError(t, async.Close(context.Background()))

	async.Fire(context.Background(), sampleAlert())
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestMultiAttemptsAll(t *testing.T) {
	var second bool
	m := alert.Multi{
		dispatchFunc(func(context.Context, alert.Alert) error { return errors.New("first failed") }),
		dispatchFunc(func(context.Context, alert.Alert) error { second = true; return nil }),
	}
	err := m.Dispatch(context.Background(), sampleAlert())
	assert.ErrorContains(t, err, "first failed")
	assert.True(t, second)
}

func TestNATSDispatcher(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	url := testutil.StartNATS(ctx, t)

	conn, err := nats.Connect(url, nats.Name("keystone-test"))
	require.NoError(t, err)
	defer conn.Close()

	a := sampleAlert()
	sub, err := conn.SubscribeSync(alert.DefaultSubject + "." + a.OrgID.String())
	require.NoError(t, err)

	d := alert.NewNATSDispatcher(conn, "")
	require.NoError(t, d.Dispatch(ctx, a))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.InspectionID.String(), msg.Header.Get("Inspection-Id"))

	var got alert.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, a.OrgID, got.OrgID)
	assert.Equal(t, 40, got.HealthScore)
}
