package security

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// Audit results.
const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultError    = "error"
	ResultReleased = "released"
)

// AuditRecord is one structured audit entry.
type AuditRecord struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	PluginID  string            `json:"plugin_id"`
	Action    string            `json:"action"`
	Result    string            `json:"result"`
	Details   map[string]string `json:"details,omitempty"`
}

// Sink persists ledger records durably. Sink failures are logged and never
// undo the in-memory record.
type Sink interface {
	AppendViolation(ctx context.Context, v plugin.Violation) error
	AppendAudit(ctx context.Context, rec AuditRecord) error
	SaveQuarantine(ctx context.Context, q plugin.QuarantineStatus) error
	ClearQuarantine(ctx context.Context, pluginID string) error
	LoadQuarantines(ctx context.Context) ([]plugin.QuarantineStatus, error)
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithSink attaches durable storage.
func WithSink(s Sink) LedgerOption {
	return func(l *Ledger) { l.sink = s }
}

// WithLedgerBus sets the event bus.
func WithLedgerBus(b *plugin.Bus) LedgerOption {
	return func(l *Ledger) { l.bus = b }
}

// WithLedgerClock overrides the time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithAutoRelease sets how long a quarantine lasts before it lifts itself.
// Zero keeps quarantines until explicitly released.
func WithAutoRelease(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.autoRelease = d }
}

// Ledger is the append-only record of audits and violations, and the
// owner of quarantine state.
type Ledger struct {
	sink        Sink
	bus         *plugin.Bus
	now         func() time.Time
	autoRelease time.Duration
	log         *slog.Logger

	mu         sync.RWMutex
	violations map[string][]plugin.Violation
	audits     map[string][]AuditRecord
	quarantine map[string]plugin.QuarantineStatus
	resolved   map[string]time.Time
}

// NewLedger returns an empty ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		now:        time.Now,
		log:        logger.Named("ledger"),
		violations: make(map[string][]plugin.Violation),
		audits:     make(map[string][]AuditRecord),
		quarantine: make(map[string]plugin.QuarantineStatus),
		resolved:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetAutoRelease changes the auto release window for future quarantines.
func (l *Ledger) SetAutoRelease(d time.Duration) {
	l.mu.Lock()
	l.autoRelease = d
	l.mu.Unlock()
}

// RecordViolation appends v and quarantines the plugin when v is critical.
// Critical violations are always recorded as blocked.
func (l *Ledger) RecordViolation(ctx context.Context, v plugin.Violation) plugin.Violation {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = l.now()
	}
	if v.Severity == plugin.SeverityCritical {
		v.Blocked = true
	}
	v.Context = maps.Clone(v.Context)

	l.mu.Lock()
	l.violations[v.PluginID] = append(l.violations[v.PluginID], v)
	l.mu.Unlock()

	logger.Audit().Warn("security violation",
		"plugin_id", v.PluginID, "violation_id", v.ID, "type", v.Type,
		"severity", v.Severity, "blocked", v.Blocked, "description", v.Description)
	if l.sink != nil {
		if err := l.sink.AppendViolation(ctx, v); err != nil {
			l.log.Error("persist violation failed", "plugin_id", v.PluginID, "error", err)
		}
	}

	l.bus.Emit(plugin.EventViolationDetected, v.PluginID, v)
	if v.Blocked {
		l.bus.Emit(plugin.EventViolationBlocked, v.PluginID, v)
	}
	if v.Severity == plugin.SeverityCritical {
		l.Quarantine(ctx, v.PluginID, fmt.Sprintf("critical %s violation: %s", v.Type, v.Description))
	}
	return v
}

// Quarantine blocks pluginID from loading until released.
func (l *Ledger) Quarantine(ctx context.Context, pluginID, reason string) plugin.QuarantineStatus {
	now := l.now()
	q := plugin.QuarantineStatus{
		PluginID:       pluginID,
		Quarantined:    true,
		Reason:         reason,
		Timestamp:      now,
		ReviewRequired: true,
	}
	l.mu.Lock()
	if l.autoRelease > 0 {
		at := now.Add(l.autoRelease)
		q.AutoRelease = &at
		q.ReviewRequired = false
	}
	l.quarantine[pluginID] = q
	l.mu.Unlock()

	logger.Audit().Warn("plugin quarantined", "plugin_id", pluginID, "reason", reason)
	if l.sink != nil {
		if err := l.sink.SaveQuarantine(ctx, q); err != nil {
			l.log.Error("persist quarantine failed", "plugin_id", pluginID, "error", err)
		}
	}
	l.bus.Emit(plugin.EventQuarantined, pluginID, q)
	return q
}

// Release lifts the quarantine of pluginID after review. Violations recorded
// up to the release are reported as resolved from then on; the stored
// records are left untouched and the release itself is audited.
func (l *Ledger) Release(ctx context.Context, pluginID string) error {
	now := l.now()
	l.mu.Lock()
	q, ok := l.quarantine[pluginID]
	if ok {
		delete(l.quarantine, pluginID)
		l.resolved[pluginID] = now
	}
	l.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("plugin %s is not quarantined", pluginID))
	}

	l.Audit(ctx, AuditRecord{PluginID: pluginID, Timestamp: now, Action: "release", Result: ResultReleased,
		Details: map[string]string{"reason": q.Reason}})
	if l.sink != nil {
		if err := l.sink.ClearQuarantine(ctx, pluginID); err != nil {
			l.log.Error("clear quarantine failed", "plugin_id", pluginID, "error", err)
		}
	}
	l.bus.Emit(plugin.EventAuthorized, pluginID, plugin.QuarantineStatus{PluginID: pluginID, Timestamp: l.now()})
	return nil
}

// IsQuarantined reports whether pluginID is currently quarantined. An
// expired auto release lifts the quarantine as a side effect.
func (l *Ledger) IsQuarantined(pluginID string) bool {
	l.mu.RLock()
	q, ok := l.quarantine[pluginID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if q.AutoRelease != nil && !l.now().Before(*q.AutoRelease) {
		if err := l.Release(context.Background(), pluginID); err != nil && !apperrors.Is(err, apperrors.CodeNotFound) {
			l.log.Warn("auto release failed", "plugin_id", pluginID, "error", err)
		}
		return false
	}
	return true
}

// QuarantineStatus returns the quarantine state of pluginID.
func (l *Ledger) QuarantineStatus(pluginID string) plugin.QuarantineStatus {
	if !l.IsQuarantined(pluginID) {
		return plugin.QuarantineStatus{PluginID: pluginID}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.quarantine[pluginID]
}

// Quarantined lists every quarantined plugin.
func (l *Ledger) Quarantined() []plugin.QuarantineStatus {
	l.mu.RLock()
	out := slices.Collect(maps.Values(l.quarantine))
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b plugin.QuarantineStatus) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// Violations returns the violations of pluginID, oldest first. An empty
// id returns every violation.
func (l *Ledger) Violations(pluginID string) []plugin.Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pluginID != "" {
		return l.withResolution(l.violations[pluginID])
	}
	var out []plugin.Violation
	for _, vs := range l.violations {
		out = append(out, l.withResolution(vs)...)
	}
	slices.SortFunc(out, func(a, b plugin.Violation) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// withResolution copies vs, flagging entries covered by a later release.
// The caller holds l.mu.
func (l *Ledger) withResolution(vs []plugin.Violation) []plugin.Violation {
	out := slices.Clone(vs)
	for i := range out {
		if at, ok := l.resolved[out[i].PluginID]; ok && !out[i].Timestamp.After(at) {
			out[i].Resolved = true
		}
	}
	return out
}

// Audit appends an audit record.
func (l *Ledger) Audit(ctx context.Context, rec AuditRecord) AuditRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.Details = maps.Clone(rec.Details)
	l.mu.Lock()
	l.audits[rec.PluginID] = append(l.audits[rec.PluginID], rec)
	l.mu.Unlock()

	logger.Audit().Info("security audit", "plugin_id", rec.PluginID, "action", rec.Action, "result", rec.Result, "details", rec.Details)
	if l.sink != nil {
		if err := l.sink.AppendAudit(ctx, rec); err != nil {
			l.log.Error("persist audit record failed", "plugin_id", rec.PluginID, "error", err)
		}
	}
	return rec
}

// AuditTrail returns the audit records of pluginID, oldest first.
func (l *Ledger) AuditTrail(pluginID string) []AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.audits[pluginID])
}

// Restore loads persisted quarantines from the sink.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	qs, err := l.sink.LoadQuarantines(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "restore quarantines")
	}
	l.mu.Lock()
	for _, q := range qs {
		if q.Quarantined {
			l.quarantine[q.PluginID] = q
		}
	}
	l.mu.Unlock()
	l.log.Info("quarantines restored", "count", len(qs))
	return nil
}
