// Package risk classifies task descriptors into risk levels through a
// keyword rule table. Rules are data, not code: operators tune them in a
// YAML file without redeploying the orchestrator.
package risk

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

// Rule matches any of its keywords (case-insensitive substring) against a
// task descriptor and contributes its factor at its level.
type Rule struct {
	Level    core.RiskLevel `yaml:"level"`
	Factor   string         `yaml:"factor"`
	Keywords []string       `yaml:"keywords"`
}

// ruleFile is the YAML document shape.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Assessment is the outcome of classifying one descriptor. When several
// rules match, the most severe level wins and every matched factor is
// reported.
type Assessment struct {
	Level   core.RiskLevel `json:"risk_level"`
	Factors []string       `json:"risk_factors,omitempty"`
}

// RequiresApproval reports whether this level needs a human in the loop.
// Only high and critical work gates on approval; low and medium proceed
// unattended.
func (a Assessment) RequiresApproval() bool {
	return a.Level.Severity() >= core.RiskHigh.Severity()
}

// Option configures an Assessor.
type Option func(*Assessor)

// WithLogger sets a structured logger.
func WithLogger(l core.Logger) Option {
	return func(a *Assessor) { a.logger = core.ComponentLogger(l, "risk") }
}

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(a *Assessor) { a.rules = rules }
}

// Assessor classifies task descriptors.
type Assessor struct {
	rules  []Rule
	logger core.Logger
}

// New creates an Assessor with the built-in rule table unless overridden.
func New(opts ...Option) *Assessor {
	a := &Assessor{rules: defaultRules(), logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewFromFile loads the rule table from a YAML file.
func NewFromFile(path string, opts ...Option) (*Assessor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk rules: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse risk rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, &core.Error{
			Op: "risk.NewFromFile", Kind: "config", ID: path,
			Message: "risk rule file contains no rules",
			Err:     core.ErrInvalidConfig,
		}
	}
	for i, r := range doc.Rules {
		if r.Level.Severity() == 0 && r.Level != core.RiskLow {
			return nil, &core.Error{
				Op: "risk.NewFromFile", Kind: "config", ID: path,
				Message: fmt.Sprintf("rule %d has unknown level %q", i, r.Level),
				Err:     core.ErrInvalidConfig,
			}
		}
	}
	opts = append([]Option{WithRules(doc.Rules)}, opts...)
	return New(opts...), nil
}

// Assess classifies a task descriptor. No rule matching means low risk.
func (a *Assessor) Assess(descriptor string) Assessment {
	text := strings.ToLower(descriptor)
	result := Assessment{Level: core.RiskLow}
	for _, rule := range a.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				result.Factors = append(result.Factors, rule.Factor)
				if rule.Level.Severity() > result.Level.Severity() {
					result.Level = rule.Level
				}
				break
			}
		}
	}
	telemetry.Counter("risk.assessed", "level", string(result.Level))
	a.logger.Debug("risk assessed", map[string]interface{}{
		"level":   result.Level,
		"factors": result.Factors,
	})
	return result
}

// defaultRules covers the common blast-radius signals for a software
// delivery fleet. Deployments to production and anything touching data
// destruction or credentials escalate hardest.
func defaultRules() []Rule {
	return []Rule{
		{
			Level:    core.RiskCritical,
			Factor:   "destructive data operation",
			Keywords: []string{"drop table", "drop database", "truncate", "delete all", "wipe", "purge data"},
		},
		{
			Level:    core.RiskCritical,
			Factor:   "credential or secret handling",
			Keywords: []string{"secret", "credential", "api key", "private key", "rotate key"},
		},
		{
			Level:    core.RiskHigh,
			Factor:   "production deployment",
			Keywords: []string{"to production", "production deploy", "production environment", "prod release", "rollout to prod"},
		},
		{
			Level:    core.RiskHigh,
			Factor:   "database schema change",
			Keywords: []string{"migration", "alter table", "schema change"},
		},
		{
			Level:    core.RiskHigh,
			Factor:   "payment path change",
			Keywords: []string{"payment", "billing", "invoice", "checkout"},
		},
		{
			Level:    core.RiskMedium,
			Factor:   "configuration change",
			Keywords: []string{"config change", "feature flag", "environment variable", "infra change"},
		},
		{
			Level:    core.RiskMedium,
			Factor:   "dependency update",
			Keywords: []string{"upgrade dependency", "bump version", "update package"},
		},
	}
}
