package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelFindings carries realtime inspection events between replicas.
const ChannelFindings = "keystone_findings"

// MaxNotifyPayload keeps a NOTIFY payload under Postgres's 8000-byte limit
// with room for the channel name.
const MaxNotifyPayload = 7900

var (
	// ErrNoNotifyConn is returned by Listen and WaitForNotification when no
	// dedicated notify connection was configured.
	ErrNoNotifyConn = errors.New("storage: notify connection not configured")

	// ErrPayloadTooLarge is returned by Notify for payloads over
	// MaxNotifyPayload. Callers deliver such events some other way.
	ErrPayloadTooLarge = errors.New("storage: notify payload too large")
)

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn, err := db.listenConn()
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel or ctx is done.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	conn, err := db.listenConn()
	if err != nil {
		return "", "", err
	}
	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// ReconnectNotify replaces the notify connection with a fresh one. LISTEN
// registrations do not survive: callers must Listen again.
func (db *DB) ReconnectNotify(ctx context.Context) error {
	if db.notifyDSN == "" {
		return ErrNoNotifyConn
	}
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}

	db.notifyMu.Lock()
	old := db.notifyConn
	db.notifyConn = conn
	db.notifyMu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	return nil
}

func (db *DB) listenConn() (*pgx.Conn, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return nil, ErrNoNotifyConn
	}
	return db.notifyConn, nil
}

// Notify publishes payload on channel through the pool, so any replica can
// send without holding the listener connection.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
