// Package security validates plugins before load and keeps the append-only
// ledger of validation outcomes, violations and quarantines.
package security

import (
	"slices"
	"time"
)

// Policy is the enforceable ruleset applied by the Engine.
type Policy struct {
	AllowUnsignedPlugins   bool     `yaml:"allowUnsignedPlugins" json:"allow_unsigned_plugins"`
	AllowUnverifiedPlugins bool     `yaml:"allowUnverifiedPlugins" json:"allow_unverified_plugins"`
	RequiredPermissions    []string `yaml:"requiredPermissions" json:"required_permissions"`
	BannedPermissions      []string `yaml:"bannedPermissions" json:"banned_permissions"`
	// Ceilings a plugin's sandbox request may not exceed. Zero disables the check.
	MaxMemoryBytes uint64        `yaml:"maxMemoryBytes" json:"max_memory_bytes"`
	MaxCPUTime     time.Duration `yaml:"maxCpuTime" json:"max_cpu_time"`
	AllowedDomains []string      `yaml:"allowedDomains" json:"allowed_domains"`
	BlockedDomains []string      `yaml:"blockedDomains" json:"blocked_domains"`
	// TrustedSigners are hex addresses whose signatures are accepted.
	TrustedSigners        []string      `yaml:"trustedSigners" json:"trusted_signers"`
	VersionConstraint     string        `yaml:"versionConstraint" json:"version_constraint"`
	Rules                 []Rule        `yaml:"rules" json:"rules"`
	QuarantineAutoRelease time.Duration `yaml:"quarantineAutoRelease" json:"quarantine_auto_release"`
}

// DefaultPolicy is the strict default: signed, verified plugins only.
func DefaultPolicy() Policy {
	return Policy{
		BannedPermissions: []string{"admin", "system.exec"},
		MaxMemoryBytes:    512 << 20,
		MaxCPUTime:        30 * time.Second,
	}
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	p.RequiredPermissions = slices.Clone(p.RequiredPermissions)
	p.BannedPermissions = slices.Clone(p.BannedPermissions)
	p.AllowedDomains = slices.Clone(p.AllowedDomains)
	p.BlockedDomains = slices.Clone(p.BlockedDomains)
	p.TrustedSigners = slices.Clone(p.TrustedSigners)
	p.Rules = slices.Clone(p.Rules)
	return p
}
