// Package sandbox enforces per-plugin execution policy: method allow-lists,
// per-method rate limits, call deadlines and resource ceilings.
package sandbox

import (
	"slices"
	"time"
)

// DefaultTimeout bounds a single sandboxed call when the policy leaves it unset.
const DefaultTimeout = 30 * time.Second

// Wildcard in AllowedMethods permits every method.
const Wildcard = "*"

// Policy governs how calls into a plugin are admitted and bounded.
// RateLimits caps calls per RateWindow for individual methods; methods
// without an entry use DefaultRateLimit. Zero limits mean unlimited.
// A nil Enabled inherits from the policy it is merged over.
type Policy struct {
	Enabled          *bool          `yaml:"enabled" json:"enabled,omitempty"`
	AllowedMethods   []string       `yaml:"allowedMethods" json:"allowed_methods"`
	RateLimits       map[string]int `yaml:"rateLimits" json:"rate_limits"`
	DefaultRateLimit int            `yaml:"defaultRateLimit" json:"default_rate_limit"`
	RateWindow       time.Duration  `yaml:"rateWindow" json:"rate_window"`
	Timeout          time.Duration  `yaml:"timeout" json:"timeout"`
	MaxMemoryBytes   uint64         `yaml:"maxMemoryBytes" json:"max_memory_bytes"`
	MaxCPUTime       time.Duration  `yaml:"maxCpuTime" json:"max_cpu_time"`
}

// DefaultPolicy returns an enabled policy that admits every method.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:          Flag(true),
		AllowedMethods:   []string{Wildcard},
		DefaultRateLimit: 600,
		RateWindow:       time.Minute,
		Timeout:          DefaultTimeout,
		MaxMemoryBytes:   256 << 20,
		MaxCPUTime:       10 * time.Second,
	}
}

// Flag returns a pointer to on, for setting Policy.Enabled.
func Flag(on bool) *bool { return &on }

// IsEnabled reports whether calls are admitted at all. Unset counts as enabled.
func (p Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Allows reports whether method is admitted by the allow-list.
func (p Policy) Allows(method string) bool {
	return slices.Contains(p.AllowedMethods, Wildcard) || slices.Contains(p.AllowedMethods, method)
}

// RateLimit returns the admitted calls per window for method; zero means unlimited.
func (p Policy) RateLimit(method string) int {
	if n, ok := p.RateLimits[method]; ok {
		return n
	}
	return p.DefaultRateLimit
}

func (p Policy) window() time.Duration {
	if p.RateWindow <= 0 {
		return time.Minute
	}
	return p.RateWindow
}

func (p Policy) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// Merge fills unset fields of p from defaults.
func (p Policy) Merge(defaults Policy) Policy {
	if p.Enabled == nil && defaults.Enabled != nil {
		on := *defaults.Enabled
		p.Enabled = &on
	}
	if len(p.AllowedMethods) == 0 {
		p.AllowedMethods = defaults.AllowedMethods
	}
	if len(p.RateLimits) == 0 {
		p.RateLimits = defaults.RateLimits
	}
	if p.DefaultRateLimit == 0 {
		p.DefaultRateLimit = defaults.DefaultRateLimit
	}
	if p.RateWindow == 0 {
		p.RateWindow = defaults.RateWindow
	}
	if p.Timeout == 0 {
		p.Timeout = defaults.Timeout
	}
	if p.MaxMemoryBytes == 0 {
		p.MaxMemoryBytes = defaults.MaxMemoryBytes
	}
	if p.MaxCPUTime == 0 {
		p.MaxCPUTime = defaults.MaxCPUTime
	}
	return p
}
