package security

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"PluginRuntime/pkg/plugin"
)

// Rule is a custom admission rule. Expression is a CEL boolean over the
// `plugin` variable; false rejects the plugin.
//
//	plugin.permissions.all(p, !p.startsWith("net."))
//	"internal" in plugin.tags || plugin.verified
type Rule struct {
	Name        string          `yaml:"name" json:"name"`
	Expression  string          `yaml:"expression" json:"expression"`
	Severity    plugin.Severity `yaml:"severity" json:"severity"`
	Description string          `yaml:"description" json:"description"`
}

// ruleEvaluator compiles and caches CEL programs.
type ruleEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newRuleEvaluator() (*ruleEvaluator, error) {
	env, err := cel.NewEnv(cel.Variable("plugin", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ruleEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (r *ruleEvaluator) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, ok := r.cache[expr]
	r.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := r.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	r.mu.Lock()
	r.cache[expr] = prg
	r.mu.Unlock()
	return prg, nil
}

// Compile checks that every rule expression compiles.
func (r *ruleEvaluator) Compile(rules []Rule) error {
	for _, rule := range rules {
		if _, err := r.program(rule.Expression); err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
	}
	return nil
}

// Eval returns the first rule that evaluates to false.
func (r *ruleEvaluator) Eval(rules []Rule, entry plugin.RegistryEntry) (*Rule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	input := map[string]any{"plugin": ruleInput(entry)}
	for i := range rules {
		prg, err := r.program(rules[i].Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rules[i].Name, err)
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("rule %s: eval: %w", rules[i].Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("rule %s: result is not bool", rules[i].Name)
		}
		if !allowed {
			return &rules[i], nil
		}
	}
	return nil, nil
}

func ruleInput(entry plugin.RegistryEntry) map[string]any {
	perms := entry.Metadata.Permissions
	if perms == nil {
		perms = []string{}
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":          entry.ID,
		"name":        entry.Metadata.Name,
		"version":     entry.Metadata.Version,
		"author":      entry.Metadata.Author,
		"permissions": perms,
		"verified":    entry.Metadata.Verified,
		"sandboxed":   entry.Metadata.Sandboxed,
		"signed":      entry.Metadata.Signature != "",
		"source":      string(entry.Source),
		"uri":         entry.URI,
		"tags":        tags,
	}
}
