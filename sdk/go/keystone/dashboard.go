package keystone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/scoring"
)

// Dashboard defaults.
const (
	DefaultReconnectInterval = 15 * time.Second
	DefaultMaxFindings       = 20
	DefaultInfoTTL           = 5 * time.Second
)

// Status is the state of a dashboard's realtime channel.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusSubscribed Status = "subscribed"
	StatusClosed     Status = "closed"
	StatusErrored    Status = "errored"
)

// AlertLevel distinguishes urgent alerts from routine notifications.
type AlertLevel string

const (
	// AlertCritical stays active until acknowledged.
	AlertCritical AlertLevel = "critical"
	// AlertInfo is dismissed automatically after the info TTL.
	AlertInfo AlertLevel = "info"
)

// Alert is a notification raised for one received finding.
type Alert struct {
	ID       uint64
	Level    AlertLevel
	Finding  Finding
	RaisedAt time.Time
}

// Snapshot is a consistent copy of a dashboard's state.
type Snapshot struct {
	Status Status
	// AuthoritativeScore is the score from the last resync.
	AuthoritativeScore int
	// ProjectedScore is AuthoritativeScore minus the penalties of findings
	// received since. It may lag or lead the server until the next resync.
	ProjectedScore int
	// Findings holds the most recent findings, newest first.
	Findings []Finding
	// Alerts holds the active alerts, oldest first.
	Alerts []Alert
	// Offline is set when the channel drops and cleared on the next
	// successful subscription. The data shown is stale while it is set.
	Offline bool
	// EverSubscribed distinguishes "no data yet" from "stale data".
	EverSubscribed bool
	LastSeq        uint64
	LastError      error
}

// DashboardConfig configures a Dashboard.
type DashboardConfig struct {
	Client       *Client
	InspectionID uuid.UUID

	// ReconnectInterval is the fixed delay between connection attempts.
	ReconnectInterval time.Duration
	// MaxFindings bounds the findings list.
	MaxFindings int
	// InfoTTL is how long an AlertInfo stays active.
	InfoTTL time.Duration

	// OnAlert is called for every alert raised. It must not block.
	OnAlert func(Alert)
	// OnChange is called with a snapshot after every state change. It must
	// not block.
	OnChange func(Snapshot)
}

// Dashboard follows one inspection in realtime.
//
// Delivery on the channel is at-most-once with no replay, so every
// successful subscription is followed by a full reload of the inspection.
// Between reloads the score is projected locally with the server's penalty
// table. All methods are safe for concurrent use; Run must be called once.
type Dashboard struct {
	client       *Client
	inspectionID uuid.UUID
	reconnect    time.Duration
	maxFindings  int
	infoTTL      time.Duration
	onAlert      func(Alert)
	onChange     func(Snapshot)
	now          func() time.Time

	mu         sync.Mutex
	status     Status
	authScore  int
	projected  int
	findings   []Finding
	alerts     []Alert
	alertSeq   uint64
	offline    bool
	everSubbed bool
	lastSeq    uint64
	lastErr    error
}

// NewDashboard creates a dashboard. Zero config fields take the defaults.
func NewDashboard(cfg DashboardConfig) (*Dashboard, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("keystone: Client is required")
	}
	if cfg.InspectionID == uuid.Nil {
		return nil, fmt.Errorf("keystone: InspectionID is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxFindings <= 0 {
		cfg.MaxFindings = DefaultMaxFindings
	}
	if cfg.InfoTTL <= 0 {
		cfg.InfoTTL = DefaultInfoTTL
	}
	return &Dashboard{
		client:       cfg.Client,
		inspectionID: cfg.InspectionID,
		reconnect:    cfg.ReconnectInterval,
		maxFindings:  cfg.MaxFindings,
		infoTTL:      cfg.InfoTTL,
		onAlert:      cfg.OnAlert,
		onChange:     cfg.OnChange,
		now:          time.Now,
		status:       StatusIdle,
		authScore:    scoring.MaxScore,
		projected:    scoring.MaxScore,
	}, nil
}

// Run connects and keeps the dashboard subscribed until ctx is cancelled.
// A dropped channel is retried every ReconnectInterval. Run returns nil
// once ctx is done; the channel is torn down before it returns.
func (d *Dashboard) Run(ctx context.Context) error {
	for {
		d.setStatus(StatusConnecting, nil)
		err := d.session(ctx)
		if ctx.Err() != nil {
			d.setStatus(StatusClosed, nil)
			return nil
		}
		if errors.Is(err, io.EOF) {
			d.setStatus(StatusClosed, nil)
		} else {
			d.setStatus(StatusErrored, err)
		}

		timer := time.NewTimer(d.reconnect)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one subscription until the stream ends.
func (d *Dashboard) session(ctx context.Context) error {
	stream, err := d.client.Subscribe(ctx, d.inspectionID)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	// Closing the body unblocks Next when the dashboard is closed.
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventSubscribed:
			d.markSubscribed(ev.Seq)
			if err := d.resync(ctx); err != nil {
				return err
			}
		case EventReset:
			d.markSeq(ev.Seq)
			if err := d.resync(ctx); err != nil {
				return err
			}
		case EventFinding:
			if ev.Finding != nil {
				d.applyFinding(ev.Seq, *ev.Finding)
			}
		}
	}
}

// resync replaces local state with the authoritative inspection.
func (d *Dashboard) resync(ctx context.Context) error {
	view, err := d.client.GetInspection(ctx, d.inspectionID, d.maxFindings)
	if err != nil {
		return fmt.Errorf("keystone: resync: %w", err)
	}
	findings := view.Findings
	if len(findings) > d.maxFindings {
		findings = findings[:d.maxFindings]
	}

	d.mu.Lock()
	d.authScore = view.Inspection.HealthScore
	d.projected = view.Inspection.HealthScore
	d.findings = append([]Finding(nil), findings...)
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.notify(snap)
	return nil
}

// applyFinding records a received finding and projects its penalty. A
// finding already present, delivered again after a resync, is ignored.
func (d *Dashboard) applyFinding(seq uint64, f Finding) {
	d.mu.Lock()
	if seq > d.lastSeq {
		d.lastSeq = seq
	}
	for _, existing := range d.findings {
		if existing.ID == f.ID {
			d.mu.Unlock()
			return
		}
	}

	d.findings = append([]Finding{f}, d.findings...)
	if len(d.findings) > d.maxFindings {
		d.findings = d.findings[:d.maxFindings]
	}
	d.projected = scoring.Apply(d.projected,
		scoring.FindingPenalty(f.Severity, f.ElementType, f.PathologyType))

	level := AlertInfo
	if IsCriticalFinding(f) {
		level = AlertCritical
	}
	d.alertSeq++
	al := Alert{ID: d.alertSeq, Level: level, Finding: f, RaisedAt: d.now()}
	d.alerts = append(d.alerts, al)
	snap := d.snapshotLocked()
	d.mu.Unlock()

	if d.onAlert != nil {
		d.onAlert(al)
	}
	d.notify(snap)
}

// IsCriticalFinding reports whether a finding warrants a persistent alert:
// critical severity, or a deviation beyond the critical threshold.
func IsCriticalFinding(f Finding) bool {
	return f.Severity == SeverityCritical || f.MetricDeviation > scoring.CriticalDeviationMM
}

// Acknowledge dismisses an active alert. It reports whether the alert was
// active.
func (d *Dashboard) Acknowledge(alertID uint64) bool {
	d.mu.Lock()
	found := false
	for i, a := range d.alerts {
		if a.ID == alertID {
			d.alerts = append(d.alerts[:i], d.alerts[i+1:]...)
			found = true
			break
		}
	}
	snap := d.snapshotLocked()
	d.mu.Unlock()

	if found {
		d.notify(snap)
	}
	return found
}

// Snapshot returns a copy of the current state.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Dashboard) markSubscribed(seq uint64) {
	d.mu.Lock()
	d.status = StatusSubscribed
	d.offline = false
	d.everSubbed = true
	d.lastSeq = seq
	d.lastErr = nil
	snap := d.snapshotLocked()
	d.mu.Unlock()
	d.notify(snap)
}

func (d *Dashboard) markSeq(seq uint64) {
	d.mu.Lock()
	if seq > d.lastSeq {
		d.lastSeq = seq
	}
	d.mu.Unlock()
}

func (d *Dashboard) setStatus(s Status, err error) {
	d.mu.Lock()
	d.status = s
	if s == StatusClosed || s == StatusErrored {
		d.offline = true
		d.lastErr = err
	}
	snap := d.snapshotLocked()
	d.mu.Unlock()
	d.notify(snap)
}

// snapshotLocked copies the state and expires info alerts. d.mu must be held.
func (d *Dashboard) snapshotLocked() Snapshot {
	now := d.now()
	active := d.alerts[:0]
	for _, a := range d.alerts {
		if a.Level == AlertInfo && now.Sub(a.RaisedAt) >= d.infoTTL {
			continue
		}
		active = append(active, a)
	}
	d.alerts = active

	return Snapshot{
		Status:             d.status,
		AuthoritativeScore: d.authScore,
		ProjectedScore:     d.projected,
		Findings:           append([]Finding(nil), d.findings...),
		Alerts:             append([]Alert(nil), d.alerts...),
		Offline:            d.offline,
		EverSubscribed:     d.everSubbed,
		LastSeq:            d.lastSeq,
		LastError:          d.lastErr,
	}
}

func (d *Dashboard) notify(s Snapshot) {
	if d.onChange != nil {
		d.onChange(s)
	}
}
