package plugin

import (
	"slices"
	"time"

	"PluginRuntime/pkg/plugin/sandbox"
)

// Source identifies where a plugin module comes from and which resolver handles it.
type Source string

const (
	SourceLocal    Source = "local"
	SourceRemote   Source = "remote"
	SourceBuiltin  Source = "builtin"
	SourceGoPlugin Source = "goplugin"
	SourceLua      Source = "lua"
	SourceWasm     Source = "wasm"
)

// Status is the registry-side standing of a plugin.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusQuarantined Status = "quarantined"
)

// Metadata is the descriptive and security-relevant identity of a plugin.
type Metadata struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Author      string   `yaml:"author" json:"author"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions,omitempty"`
	// Signature is the hex encoded signature over the metadata digest.
	Signature string `yaml:"signature" json:"signature,omitempty"`
	Verified  bool   `yaml:"verified" json:"verified"`
	Sandboxed bool   `yaml:"sandboxed" json:"sandboxed"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	m.Permissions = slices.Clone(m.Permissions)
	return m
}

// RegistryEntry is what the registry knows about a plugin.
type RegistryEntry struct {
	ID          string          `yaml:"id" json:"id"`
	Metadata    Metadata        `yaml:"metadata" json:"metadata"`
	Source      Source          `yaml:"source" json:"source"`
	URI         string          `yaml:"uri" json:"uri"`
	Status      Status          `yaml:"status" json:"status"`
	Tags        []string        `yaml:"tags" json:"tags,omitempty"`
	LastUpdated time.Time       `yaml:"lastUpdated" json:"last_updated"`
	Sandbox     *sandbox.Policy `yaml:"sandbox" json:"sandbox,omitempty"`
	Config      map[string]any  `yaml:"config" json:"config,omitempty"`
}

// State is the loader lifecycle position of a plugin id.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateReloading State = "reloading"
)

// ViolationType classifies a security violation.
type ViolationType string

const (
	ViolationUnauthorizedAPI        ViolationType = "unauthorized-api-access"
	ViolationExcessiveMemory        ViolationType = "excessive-memory"
	ViolationExcessiveCPU           ViolationType = "excessive-cpu"
	ViolationUnauthorizedNetwork    ViolationType = "unauthorized-network"
	ViolationUnauthorizedFilesystem ViolationType = "unauthorized-filesystem"
	ViolationMaliciousCode          ViolationType = "malicious-code"
	ViolationUnsigned               ViolationType = "unsigned"
	ViolationUnverified             ViolationType = "unverified"
	ViolationPermission             ViolationType = "permission-violation"
	ViolationTimeout                ViolationType = "timeout"
)

// Severity ranks violations and findings.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4}

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int { return severityRank[s] }

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// Violation is one recorded security violation.
type Violation struct {
	ID          string            `json:"id"`
	PluginID    string            `json:"plugin_id"`
	Type        ViolationType     `json:"type"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	Context     map[string]string `json:"context,omitempty"`
	Blocked     bool              `json:"blocked"`
	Resolved    bool              `json:"resolved"`
}

// QuarantineStatus describes the quarantine state of a plugin id.
type QuarantineStatus struct {
	PluginID       string     `json:"plugin_id"`
	Quarantined    bool       `json:"quarantined"`
	Reason         string     `json:"reason,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	ReviewRequired bool       `json:"review_required"`
	AutoRelease    *time.Time `json:"auto_release,omitempty"`
}

// ExecutionStats summarises call durations.
type ExecutionStats struct {
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// MemoryStats summarises memory readings in bytes.
type MemoryStats struct {
	Current uint64 `json:"current"`
	Peak    uint64 `json:"peak"`
	Average uint64 `json:"average"`
}

// CPUStats summarises CPU utilisation in percent.
type CPUStats struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
}

// PerformanceMetrics is the latest measured performance of a plugin.
type PerformanceMetrics struct {
	PluginID        string         `json:"plugin_id"`
	ExecutionTime   ExecutionStats `json:"execution_time"`
	Memory          MemoryStats    `json:"memory"`
	CPU             CPUStats       `json:"cpu"`
	ErrorRate       float64        `json:"error_rate"`
	Calls           uint64         `json:"calls"`
	LastMeasurement time.Time      `json:"last_measurement"`
}
