package security

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"PluginRuntime/pkg/plugin"
)

// Finding is a single vulnerability reported by an Analyzer.
type Finding struct {
	Type        plugin.ViolationType `json:"type"`
	Severity    plugin.Severity      `json:"severity"`
	Rule        string               `json:"rule"`
	Line        int                  `json:"line"`
	Description string               `json:"description"`
}

// CodeAnalysisResult is the outcome of a static scan.
type CodeAnalysisResult struct {
	PluginID             string    `json:"plugin_id"`
	Safe                 bool      `json:"safe"`
	Score                int       `json:"score"`
	Vulnerabilities      []Finding `json:"vulnerabilities"`
	Permissions          []string  `json:"permissions"`
	NetworkCalls         []string  `json:"network_calls"`
	FileSystemAccess     []string  `json:"file_system_access"`
	DynamicCodeExecution bool      `json:"dynamic_code_execution"`
	Obfuscated           bool      `json:"obfuscated"`
}

// Hosts returns the distinct hostnames referenced by URL network calls.
func (r CodeAnalysisResult) Hosts() []string {
	var hosts []string
	for _, call := range r.NetworkCalls {
		u, err := url.Parse(call)
		if err != nil || u.Hostname() == "" {
			continue
		}
		if h := strings.ToLower(u.Hostname()); !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// MaxSeverity returns the most severe finding, or "" when there is none.
func (r CodeAnalysisResult) MaxSeverity() plugin.Severity {
	var worst plugin.Severity
	for _, f := range r.Vulnerabilities {
		if f.Severity.Rank() > worst.Rank() {
			worst = f.Severity
		}
	}
	return worst
}

// Analyzer inspects plugin source before load.
type Analyzer interface {
	Analyze(pluginID string, src []byte) CodeAnalysisResult
}

type scanRule struct {
	name       string
	pattern    *regexp.Regexp
	severity   plugin.Severity
	permission string
	dynamic    bool
	desc       string
}

var vulnerabilityRules = []scanRule{
	{name: "eval", pattern: regexp.MustCompile(`\beval\s*\(`), severity: plugin.SeverityHigh, permission: "code.eval", dynamic: true, desc: "dynamic evaluation of source text"},
	{name: "function-constructor", pattern: regexp.MustCompile(`\bnew\s+Function\s*\(`), severity: plugin.SeverityHigh, permission: "code.eval", dynamic: true, desc: "runtime function synthesis"},
	{name: "string-timer", pattern: regexp.MustCompile("\\bset(Timeout|Interval)\\s*\\(\\s*[\"'`]"), severity: plugin.SeverityHigh, permission: "code.eval", dynamic: true, desc: "timer scheduled with source text"},
	{name: "lua-load", pattern: regexp.MustCompile(`\b(loadstring|load|dofile|loadfile)\s*\(`), severity: plugin.SeverityHigh, permission: "code.eval", dynamic: true, desc: "lua chunk loaded at runtime"},
	{name: "child-process", pattern: regexp.MustCompile(`\bchild_process\b|\b(exec|execSync|execFile|spawn|spawnSync|fork)\s*\(`), severity: plugin.SeverityCritical, permission: "process.spawn", desc: "external process spawning"},
	{name: "lua-os-execute", pattern: regexp.MustCompile(`\bos\.execute\b|\bio\.popen\b`), severity: plugin.SeverityCritical, permission: "process.spawn", desc: "shell execution from lua"},
	{name: "go-exec", pattern: regexp.MustCompile(`"os/exec"|\bexec\.Command(Context)?\s*\(|\bsyscall\.(Exec|ForkExec)\b`), severity: plugin.SeverityCritical, permission: "process.spawn", desc: "process execution from go"},
}

var (
	urlPattern     = regexp.MustCompile("https?://[^\\s\"'`)<>]+")
	netCallPattern = regexp.MustCompile(`\bfetch\s*\(|\bXMLHttpRequest\b|\bnet\.Dial\w*\s*\(|\bhttp\.(Get|Post|Head|NewRequest\w*)\s*\(|\bsocket\.\w+\s*\(`)
	fsPattern      = regexp.MustCompile(`\bfs\.\w+|\breadFileSync\b|\bio\.(open|lines)\b|\bos\.(Open|OpenFile|Create|ReadFile|WriteFile|Remove|RemoveAll)\b|\bioutil\.\w+`)
	base64Run      = regexp.MustCompile(`[A-Za-z0-9+/]{160,}={0,2}`)
	hexEscapes     = regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){12,}`)
)

// Scanner is the default heuristic Analyzer.
type Scanner struct {
	rules []scanRule
}

// NewScanner returns a scanner with the built-in rule set.
func NewScanner() *Scanner {
	return &Scanner{rules: vulnerabilityRules}
}

// Analyze implements Analyzer. Each rule contributes at most one finding.
func (s *Scanner) Analyze(pluginID string, src []byte) CodeAnalysisResult {
	text := string(src)
	res := CodeAnalysisResult{PluginID: pluginID}
	perms := map[string]struct{}{}

	for _, rule := range s.rules {
		loc := rule.pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		res.Vulnerabilities = append(res.Vulnerabilities, Finding{
			Type:        plugin.ViolationMaliciousCode,
			Severity:    rule.severity,
			Rule:        rule.name,
			Line:        strings.Count(text[:loc[0]], "\n") + 1,
			Description: rule.desc,
		})
		perms[rule.permission] = struct{}{}
		if rule.dynamic {
			res.DynamicCodeExecution = true
		}
	}

	res.NetworkCalls = uniqueMatches(urlPattern, text)
	for _, m := range uniqueMatches(netCallPattern, text) {
		res.NetworkCalls = append(res.NetworkCalls, strings.TrimRight(m, "( \t"))
	}
	if len(res.NetworkCalls) > 0 {
		perms["network"] = struct{}{}
	}
	res.FileSystemAccess = uniqueMatches(fsPattern, text)
	if len(res.FileSystemAccess) > 0 {
		perms["filesystem"] = struct{}{}
	}
	res.Obfuscated = base64Run.MatchString(text) || hexEscapes.MatchString(text)

	for p := range perms {
		res.Permissions = append(res.Permissions, p)
	}
	slices.Sort(res.Permissions)

	res.Score = max(0, 100-20*len(res.Vulnerabilities))
	res.Safe = true
	for _, f := range res.Vulnerabilities {
		if f.Severity.AtLeast(plugin.SeverityHigh) {
			res.Safe = false
			break
		}
	}
	return res
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}
