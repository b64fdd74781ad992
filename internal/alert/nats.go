package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject prefix for critical alerts. The
// organization ID is appended so consumers can subscribe per tenant.
const DefaultSubject = "keystone.alerts.critical"

// NATSDispatcher publishes alerts on a NATS subject.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSDispatcher wraps an established connection.
func NewNATSDispatcher(conn *nats.Conn, subject string) *NATSDispatcher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSDispatcher{conn: conn, subject: subject}
}

// Subject returns the subject an alert for orgID is published on.
func (n *NATSDispatcher) Subject(a Alert) string {
	return n.subject + "." + a.OrgID.String()
}

// Dispatch implements Dispatcher. It flushes so that a dead connection is
// reported instead of silently buffered.
func (n *NATSDispatcher) Dispatch(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal nats payload: %w", err)
	}
	msg := nats.NewMsg(n.Subject(a))
	msg.Data = data
	msg.Header.Set("Inspection-Id", a.InspectionID.String())
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("alert: nats publish: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("alert: nats flush: %w", err)
	}
	return nil
}
