package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// Risk levels of a SecurityAssessment.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var versionPrefix = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// SecurityAssessment is stored for every plugin that passes validation.
type SecurityAssessment struct {
	PluginID        string    `json:"plugin_id"`
	RiskLevel       string    `json:"risk_level"`
	Score           int       `json:"score"`
	Vulnerabilities int       `json:"vulnerabilities"`
	Signer          string    `json:"signer,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ViolationError carries the violation behind a validation rejection.
type ViolationError struct {
	Violation plugin.Violation
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Violation.Type, e.Violation.Severity, e.Violation.Description)
}

// ViolationOf extracts the violation from a rejection returned by Validate.
func ViolationOf(err error) (plugin.Violation, bool) {
	var ve *ViolationError
	if errors.As(err, &ve) {
		return ve.Violation, true
	}
	return plugin.Violation{}, false
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAnalyzer replaces the default Scanner.
func WithAnalyzer(a Analyzer) EngineOption {
	return func(e *Engine) {
		if a != nil {
			e.analyzer = a
		}
	}
}

// WithEngineBus sets the event bus.
func WithEngineBus(b *plugin.Bus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine validates registry entries against the active Policy. It
// implements plugin.Validator.
type Engine struct {
	ledger   *Ledger
	analyzer Analyzer
	rules    *ruleEvaluator
	bus      *plugin.Bus
	now      func() time.Time
	log      *slog.Logger

	mu          sync.RWMutex
	policy      Policy
	verifier    *SignatureVerifier
	constraint  *semver.Constraints
	assessments map[string]SecurityAssessment
}

// NewEngine builds an engine enforcing policy and recording to ledger.
func NewEngine(policy Policy, ledger *Ledger, opts ...EngineOption) (*Engine, error) {
	if ledger == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "security engine requires a ledger")
	}
	rules, err := newRuleEvaluator()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInitializationFailure, err, "init rule evaluator")
	}
	e := &Engine{
		ledger:      ledger,
		analyzer:    NewScanner(),
		rules:       rules,
		now:         time.Now,
		log:         logger.Named("security"),
		assessments: make(map[string]SecurityAssessment),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.UpdatePolicy(policy); err != nil {
		return nil, err
	}
	return e, nil
}

// Policy returns a copy of the active policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Clone()
}

// UpdatePolicy atomically replaces the active policy. An invalid policy
// leaves the current one in place.
func (e *Engine) UpdatePolicy(p Policy) error {
	verifier, err := NewSignatureVerifier(p.TrustedSigners)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "invalid trusted signers")
	}
	var constraint *semver.Constraints
	if p.VersionConstraint != "" {
		constraint, err = semver.NewConstraint(p.VersionConstraint)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "invalid version constraint")
		}
	}
	if err := e.rules.Compile(p.Rules); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "invalid policy rule")
	}

	p = p.Clone()
	e.mu.Lock()
	e.policy = p
	e.verifier = verifier
	e.constraint = constraint
	e.mu.Unlock()

	e.ledger.SetAutoRelease(p.QuarantineAutoRelease)
	e.log.Info("security policy updated",
		"allow_unsigned", p.AllowUnsignedPlugins, "allow_unverified", p.AllowUnverifiedPlugins,
		"banned", p.BannedPermissions, "rules", len(p.Rules))
	e.bus.Emit(plugin.EventPolicyUpdated, "", p.Clone())
	return nil
}

// Assessment returns the stored assessment of the last successful validation.
func (e *Engine) Assessment(pluginID string) (SecurityAssessment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.assessments[pluginID]
	return a, ok
}

// Ledger returns the ledger the engine records to.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Analyze runs the configured analyzer without validating.
func (e *Engine) Analyze(pluginID string, src []byte) CodeAnalysisResult {
	return e.analyzer.Analyze(pluginID, src)
}

// check is a single validation outcome; a nil *check passes.
type check struct {
	typ      plugin.ViolationType
	severity plugin.Severity
	desc     string
	context  map[string]string
}

// Validate runs the ordered checks and stops at the first failure. Every
// call appends one audit record. A rejection returns false with a
// VALIDATION_FAILED error wrapping a *ViolationError.
func (e *Engine) Validate(ctx context.Context, entry plugin.RegistryEntry, source []byte) (bool, error) {
	e.mu.RLock()
	policy := e.policy
	verifier := e.verifier
	constraint := e.constraint
	e.mu.RUnlock()

	id := entry.ID
	if id == "" {
		id = entry.Metadata.ID
	}
	meta := entry.Metadata

	var (
		signer string
		scan   *CodeAnalysisResult
	)
	steps := []func() (*check, error){
		func() (*check, error) { return checkMetadata(id, meta, constraint), nil },
		func() (*check, error) {
			c, addr := checkSignature(meta, policy, verifier)
			signer = addr
			return c, nil
		},
		func() (*check, error) { return checkVerified(meta, policy), nil },
		func() (*check, error) { return checkPermissions(entry, policy), nil },
		func() (*check, error) {
			if len(source) == 0 {
				return nil, nil
			}
			res := e.analyzer.Analyze(id, source)
			scan = &res
			return checkScan(res, policy), nil
		},
		func() (*check, error) {
			rule, err := e.rules.Eval(policy.Rules, entry)
			if err != nil || rule == nil {
				return nil, err
			}
			sev := rule.Severity
			if sev == "" {
				sev = plugin.SeverityMedium
			}
			desc := rule.Description
			if desc == "" {
				desc = fmt.Sprintf("rule %s rejected the plugin", rule.Name)
			}
			return &check{typ: plugin.ViolationPermission, severity: sev, desc: desc, context: map[string]string{"rule": rule.Name}}, nil
		},
	}

	for _, step := range steps {
		c, err := step()
		if err != nil {
			e.ledger.Audit(ctx, AuditRecord{PluginID: id, Action: "validate", Result: ResultError, Details: map[string]string{"error": err.Error()}})
			return false, apperrors.Wrap(apperrors.CodeUnknown, err, "security validation error", apperrors.WithMetadata("plugin", id))
		}
		if c != nil {
			return false, e.reject(ctx, id, c)
		}
	}

	score, vulns := 100, 0
	if scan != nil {
		score, vulns = scan.Score, len(scan.Vulnerabilities)
	}
	risk := RiskMedium
	if meta.Verified {
		risk = RiskLow
	}
	if score < 60 {
		risk = RiskHigh
	}
	assessment := SecurityAssessment{
		PluginID:        id,
		RiskLevel:       risk,
		Score:           score,
		Vulnerabilities: vulns,
		Signer:          signer,
		Timestamp:       e.now(),
	}
	e.mu.Lock()
	e.assessments[id] = assessment
	e.mu.Unlock()

	details := map[string]string{"risk": risk, "score": strconv.Itoa(score)}
	if signer != "" {
		details["signer"] = signer
	}
	e.ledger.Audit(ctx, AuditRecord{PluginID: id, Action: "validate", Result: ResultAllowed, Details: details})
	e.bus.Emit(plugin.EventValidationSucceeded, id, assessment)
	return true, nil
}

func (e *Engine) reject(ctx context.Context, id string, c *check) error {
	v := e.ledger.RecordViolation(ctx, plugin.Violation{
		PluginID:    id,
		Type:        c.typ,
		Severity:    c.severity,
		Description: c.desc,
		Context:     c.context,
		Blocked:     true,
	})
	e.ledger.Audit(ctx, AuditRecord{
		PluginID: id,
		Action:   "validate",
		Result:   ResultDenied,
		Details: map[string]string{
			"violation_id": v.ID,
			"type":         string(v.Type),
			"severity":     string(v.Severity),
			"reason":       v.Description,
		},
	})
	e.log.Warn("plugin rejected", "plugin_id", id, "type", v.Type, "severity", v.Severity, "reason", v.Description)
	return apperrors.Wrap(plugin.CodeValidationFailed, &ViolationError{Violation: v}, fmt.Sprintf("plugin %s rejected", id),
		apperrors.WithMetadata("plugin", id),
		apperrors.WithMetadata("violation", string(v.Type)),
		apperrors.WithMetadata("severity", string(v.Severity)))
}

func checkMetadata(id string, meta plugin.Metadata, constraint *semver.Constraints) *check {
	var missing []string
	for field, value := range map[string]string{"id": id, "name": meta.Name, "version": meta.Version, "author": meta.Author} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return &check{typ: plugin.ViolationUnverified, severity: plugin.SeverityMedium, desc: "metadata missing " + strings.Join(missing, ", ")}
	}
	if meta.ID != "" && meta.ID != id {
		return &check{typ: plugin.ViolationUnverified, severity: plugin.SeverityMedium, desc: fmt.Sprintf("metadata id %q does not match entry id %q", meta.ID, id)}
	}
	if !versionPrefix.MatchString(meta.Version) {
		return &check{typ: plugin.ViolationUnverified, severity: plugin.SeverityMedium, desc: fmt.Sprintf("version %q is not semantic", meta.Version)}
	}
	if constraint != nil {
		v, err := semver.NewVersion(meta.Version)
		if err != nil {
			return &check{typ: plugin.ViolationUnverified, severity: plugin.SeverityMedium, desc: fmt.Sprintf("parse version %q: %v", meta.Version, err)}
		}
		if !constraint.Check(v) {
			return &check{typ: plugin.ViolationUnverified, severity: plugin.SeverityMedium, desc: fmt.Sprintf("version %s outside %s", meta.Version, constraint)}
		}
	}
	return nil
}

// checkSignature returns the recovered signer address when the signature verifies.
func checkSignature(meta plugin.Metadata, policy Policy, verifier *SignatureVerifier) (*check, string) {
	if meta.Signature == "" {
		if policy.AllowUnsignedPlugins {
			return nil, ""
		}
		return &check{typ: plugin.ViolationUnsigned, severity: plugin.SeverityHigh, desc: "plugin is not signed"}, ""
	}
	if !verifier.Enabled() {
		return nil, ""
	}
	addr, err := verifier.Verify(meta)
	if err != nil {
		ctx := map[string]string{"error": err.Error()}
		if errors.Is(err, ErrUntrustedSigner) {
			ctx["signer"] = addr.Hex()
		}
		return &check{typ: plugin.ViolationUnsigned, severity: plugin.SeverityCritical, desc: "signature verification failed", context: ctx}, ""
	}
	return nil, addr.Hex()
}

func checkVerified(meta plugin.Metadata, policy Policy) *check {
	if meta.Verified || policy.AllowUnverifiedPlugins {
		return nil
	}
	return &check{typ: plugin.ViolationUnverified, severity: plugin.SeverityMedium, desc: "plugin is not verified"}
}

func checkPermissions(entry plugin.RegistryEntry, policy Policy) *check {
	perms := entry.Metadata.Permissions
	var banned []string
	for _, p := range perms {
		if slices.Contains(policy.BannedPermissions, p) {
			banned = append(banned, p)
		}
	}
	if len(banned) > 0 {
		return &check{
			typ:      plugin.ViolationPermission,
			severity: plugin.SeverityHigh,
			desc:     "banned permissions requested: " + strings.Join(banned, ", "),
			context:  map[string]string{"banned": strings.Join(banned, ",")},
		}
	}
	var missing []string
	for _, p := range policy.RequiredPermissions {
		if !slices.Contains(perms, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &check{
			typ:      plugin.ViolationPermission,
			severity: plugin.SeverityMedium,
			desc:     "required permissions missing: " + strings.Join(missing, ", "),
			context:  map[string]string{"missing": strings.Join(missing, ",")},
		}
	}
	if sb := entry.Sandbox; sb != nil {
		if policy.MaxMemoryBytes > 0 && sb.MaxMemoryBytes > policy.MaxMemoryBytes {
			return &check{typ: plugin.ViolationExcessiveMemory, severity: plugin.SeverityMedium,
				desc: fmt.Sprintf("sandbox memory %d exceeds ceiling %d", sb.MaxMemoryBytes, policy.MaxMemoryBytes)}
		}
		if policy.MaxCPUTime > 0 && sb.MaxCPUTime > policy.MaxCPUTime {
			return &check{typ: plugin.ViolationExcessiveCPU, severity: plugin.SeverityMedium,
				desc: fmt.Sprintf("sandbox cpu time %s exceeds ceiling %s", sb.MaxCPUTime, policy.MaxCPUTime)}
		}
	}
	return nil
}

func checkScan(res CodeAnalysisResult, policy Policy) *check {
	if !res.Safe {
		var names []string
		for _, f := range res.Vulnerabilities {
			names = append(names, f.Rule)
		}
		return &check{
			typ:      plugin.ViolationMaliciousCode,
			severity: res.MaxSeverity(),
			desc:     "code scan found " + strings.Join(names, ", "),
			context:  map[string]string{"score": strconv.Itoa(res.Score)},
		}
	}
	for _, host := range res.Hosts() {
		if matchDomain(host, policy.BlockedDomains) {
			return &check{typ: plugin.ViolationUnauthorizedNetwork, severity: plugin.SeverityHigh,
				desc: "source contacts blocked domain " + host, context: map[string]string{"host": host}}
		}
		if len(policy.AllowedDomains) > 0 && !matchDomain(host, policy.AllowedDomains) {
			return &check{typ: plugin.ViolationUnauthorizedNetwork, severity: plugin.SeverityHigh,
				desc: "source contacts domain outside the allow-list: " + host, context: map[string]string{"host": host}}
		}
	}
	return nil
}

// matchDomain matches host against exact names and their subdomains.
func matchDomain(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "*."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
