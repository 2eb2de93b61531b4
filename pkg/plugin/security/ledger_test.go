package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

type memorySink struct {
	mu          sync.Mutex
	violations  []plugin.Violation
	audits      []AuditRecord
	quarantines map[string]plugin.QuarantineStatus
	err         error
}

func newMemorySink() *memorySink {
	return &memorySink{quarantines: make(map[string]plugin.QuarantineStatus)}
}

func (s *memorySink) AppendViolation(_ context.Context, v plugin.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
	return s.err
}

func (s *memorySink) AppendAudit(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return s.err
}

func (s *memorySink) SaveQuarantine(_ context.Context, q plugin.QuarantineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantines[q.PluginID] = q
	return s.err
}

func (s *memorySink) ClearQuarantine(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantines, id)
	return s.err
}

func (s *memorySink) LoadQuarantines(context.Context) ([]plugin.QuarantineStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []plugin.QuarantineStatus
	for _, q := range s.quarantines {
		out = append(out, q)
	}
	return out, s.err
}

func TestLedgerRecordsAndQuarantinesCritical(t *testing.T) {
	sink := newMemorySink()
	bus := plugin.NewBus()
	var types []plugin.EventType
	bus.Subscribe(func(evt plugin.Event) { types = append(types, evt.Type) })
	ledger := NewLedger(WithSink(sink), WithLedgerBus(bus))
	ctx := context.Background()

	low := ledger.RecordViolation(ctx, plugin.Violation{PluginID: "p", Type: plugin.ViolationTimeout, Severity: plugin.SeverityMedium})
	assert.NotEmpty(t, low.ID)
	assert.False(t, low.Blocked)
	assert.False(t, ledger.IsQuarantined("p"))

	crit := ledger.RecordViolation(ctx, plugin.Violation{PluginID: "p", Type: plugin.ViolationMaliciousCode, Severity: plugin.SeverityCritical, Description: "spawn"})
	assert.True(t, crit.Blocked)
	assert.True(t, ledger.IsQuarantined("p"))
	assert.Len(t, ledger.Violations("p"), 2)
	assert.Len(t, sink.violations, 2)
	assert.Contains(t, sink.quarantines, "p")

	assert.Equal(t, []plugin.EventType{
		plugin.EventViolationDetected,
		plugin.EventViolationDetected,
		plugin.EventViolationBlocked,
		plugin.EventQuarantined,
	}, types)
}

func TestLedgerRelease(t *testing.T) {
	sink := newMemorySink()
	bus := plugin.NewBus()
	var authorized int
	bus.Subscribe(func(plugin.Event) { authorized++ }, plugin.EventAuthorized)
	ledger := NewLedger(WithSink(sink), WithLedgerBus(bus))
	ctx := context.Background()

	err := ledger.Release(ctx, "missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	ledger.RecordViolation(ctx, plugin.Violation{PluginID: "p", Type: plugin.ViolationUnsigned, Severity: plugin.SeverityCritical})
	require.NoError(t, ledger.Release(ctx, "p"))
	assert.False(t, ledger.IsQuarantined("p"))
	assert.True(t, ledger.Violations("p")[0].Resolved)
	assert.NotContains(t, sink.quarantines, "p")
	assert.Equal(t, 1, authorized)
}

func TestReleaseLeavesStoredViolationsUntouched(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sink := newMemorySink()
	ledger := NewLedger(WithSink(sink), WithLedgerClock(func() time.Time { return now }))
	ctx := context.Background()

	ledger.RecordViolation(ctx, plugin.Violation{PluginID: "p", Type: plugin.ViolationMaliciousCode, Severity: plugin.SeverityCritical})
	before := ledger.Violations("p")
	require.NoError(t, ledger.Release(ctx, "p"))

	assert.False(t, before[0].Resolved, "earlier reads keep their values")
	assert.True(t, ledger.Violations("p")[0].Resolved)
	assert.False(t, ledger.violations["p"][0].Resolved)

	now = now.Add(time.Minute)
	ledger.RecordViolation(ctx, plugin.Violation{PluginID: "p", Type: plugin.ViolationTimeout, Severity: plugin.SeverityMedium})
	vs := ledger.Violations("p")
	require.Len(t, vs, 2)
	assert.True(t, vs[0].Resolved)
	assert.False(t, vs[1].Resolved, "violations after the release stay open")

	trail := ledger.AuditTrail("p")
	require.Len(t, trail, 1)
	assert.Equal(t, "release", trail[0].Action)
	assert.Equal(t, ResultReleased, trail[0].Result)
}

func TestLedgerAutoRelease(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ledger := NewLedger(WithAutoRelease(time.Hour), WithLedgerClock(func() time.Time { return now }))

	q := ledger.Quarantine(context.Background(), "p", "manual")
	require.NotNil(t, q.AutoRelease)
	assert.False(t, q.ReviewRequired)
	assert.True(t, ledger.IsQuarantined("p"))

	now = now.Add(2 * time.Hour)
	assert.False(t, ledger.IsQuarantined("p"))
	assert.Empty(t, ledger.Quarantined())
}

func TestLedgerRestore(t *testing.T) {
	sink := newMemorySink()
	sink.quarantines["p"] = plugin.QuarantineStatus{PluginID: "p", Quarantined: true, Reason: "persisted"}
	ledger := NewLedger(WithSink(sink))

	require.NoError(t, ledger.Restore(context.Background()))
	assert.True(t, ledger.IsQuarantined("p"))
	assert.Equal(t, "persisted", ledger.QuarantineStatus("p").Reason)
}

func TestLedgerSinkFailureKeepsMemoryRecord(t *testing.T) {
	sink := newMemorySink()
	sink.err = errors.New("disk full")
	ledger := NewLedger(WithSink(sink))

	ledger.Audit(context.Background(), AuditRecord{PluginID: "p", Action: "validate", Result: ResultAllowed})
	assert.Len(t, ledger.AuditTrail("p"), 1)

	err := ledger.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeStorageFailure))
}

func TestLedgerViolationsAcrossPlugins(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger := NewLedger()
	ctx := context.Background()
	ledger.RecordViolation(ctx, plugin.Violation{PluginID: "b", Severity: plugin.SeverityLow, Timestamp: base.Add(time.Minute)})
	ledger.RecordViolation(ctx, plugin.Violation{PluginID: "a", Severity: plugin.SeverityLow, Timestamp: base})

	all := ledger.Violations("")
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].PluginID)
	assert.Equal(t, "b", all[1].PluginID)
}
