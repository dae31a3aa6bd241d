package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kiranshivaraju/foldqueue/pkg/models"
	"gopkg.in/yaml.v2"
)

// Batch outcome policies.
const (
	// OutcomePartial marks a batch with mixed results as partially completed.
	OutcomePartial = "partial"
	// OutcomeStrict marks a batch as failed as soon as any child failed.
	OutcomeStrict = "strict"
)

// PolicyConfig holds the tunable orchestration policy. It can be overridden
// by a YAML file so categories, lanes and backoffs change without a rebuild.
type PolicyConfig struct {
	Lanes             map[models.Lane]LaneLimits         `yaml:"lanes"`
	BackendName       string                             `yaml:"backend_name"`
	Classifier        []ClassifierRule                   `yaml:"classifier"`
	Retry             map[models.ErrorCategory]RetryRule `yaml:"retry"`
	ChildBonusRetries int                                `yaml:"child_bonus_retries"`
	Milestones        []int                              `yaml:"milestones"`
	WebhookDelays     []string                           `yaml:"webhook_delays"`
	ShardSize         int                                `yaml:"shard_size"`
	MinutesPerItem    float64                            `yaml:"minutes_per_item"`
	BatchOutcome      string                             `yaml:"batch_outcome"`
	SummaryMetric     SummaryMetricConfig                `yaml:"summary_metric"`
}

// LaneLimits bounds one QoS lane.
type LaneLimits struct {
	MaxConcurrent     int `yaml:"max_concurrent"`
	MaxComputeMinutes int `yaml:"max_compute_minutes"`
}

// ClassifierRule maps any of the substrings to a category.
type ClassifierRule struct {
	Contains []string             `yaml:"contains"`
	Category models.ErrorCategory `yaml:"category"`
}

// RetryRule bounds retries for one error category.
type RetryRule struct {
	MaxRetries int    `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"`
}

// BackoffDuration returns the parsed backoff. Validate guarantees it parses.
func (r RetryRule) BackoffDuration() time.Duration {
	d, _ := time.ParseDuration(r.Backoff)
	return d
}

// SummaryMetricConfig names the result field aggregated in batch summaries.
type SummaryMetricConfig struct {
	Key           string `yaml:"key"`
	LowerIsBetter bool   `yaml:"lower_is_better"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Lanes: map[models.Lane]LaneLimits{
			models.LaneInteractive: {MaxConcurrent: 4, MaxComputeMinutes: 10},
			models.LaneBulk:        {MaxConcurrent: 16, MaxComputeMinutes: 240},
		},
		BackendName: "modal",
		Classifier: []ClassifierRule{
			{Contains: []string{"timeout", "timed out", "deadline exceeded"}, Category: models.CategoryTimeout},
			{Contains: []string{"storage", "bucket"}, Category: models.CategoryStorage},
			{Contains: []string{"database", "sql"}, Category: models.CategoryDatabase},
			{Contains: []string{"validation", "invalid"}, Category: models.CategoryValidation},
		},
		Retry: map[models.ErrorCategory]RetryRule{
			models.CategoryTimeout:    {MaxRetries: 3, Backoff: "300s"},
			models.CategoryCompute:    {MaxRetries: 3, Backoff: "60s"},
			models.CategoryStorage:    {MaxRetries: 5, Backoff: "30s"},
			models.CategoryDatabase:   {MaxRetries: 5, Backoff: "30s"},
			models.CategoryValidation: {MaxRetries: 0, Backoff: "0s"},
			models.CategorySystem:     {MaxRetries: 2, Backoff: "120s"},
		},
		ChildBonusRetries: 2,
		Milestones:        append([]int(nil), models.DefaultMilestones...),
		WebhookDelays:     []string{"5s", "15s", "30s"},
		ShardSize:         10,
		BatchOutcome:      OutcomePartial,
		SummaryMetric:     SummaryMetricConfig{Key: "confidence"},
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults.
// Environment variables in the file are expanded first.
func LoadPolicy(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	policy := DefaultPolicy()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &policy); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks the policy for values the engine cannot run with.
func (p *PolicyConfig) Validate() error {
	for _, lane := range []models.Lane{models.LaneInteractive, models.LaneBulk} {
		limits, ok := p.Lanes[lane]
		if !ok {
			return fmt.Errorf("policy: lane %q is not configured", lane)
		}
		if limits.MaxConcurrent < 1 {
			return fmt.Errorf("policy: lane %q max_concurrent must be at least 1", lane)
		}
	}

	for _, rule := range p.Classifier {
		if !validCategory(rule.Category) {
			return fmt.Errorf("policy: classifier category %q is unknown", rule.Category)
		}
		if len(rule.Contains) == 0 {
			return fmt.Errorf("policy: classifier rule for %q has no substrings", rule.Category)
		}
	}

	for cat, rule := range p.Retry {
		if !validCategory(cat) {
			return fmt.Errorf("policy: retry category %q is unknown", cat)
		}
		if rule.MaxRetries < 0 {
			return fmt.Errorf("policy: retry %q max_retries must not be negative", cat)
		}
		if _, err := time.ParseDuration(rule.Backoff); err != nil {
			return fmt.Errorf("policy: retry %q backoff: %w", cat, err)
		}
	}

	for _, m := range p.Milestones {
		if m <= 0 || m > 100 {
			return fmt.Errorf("policy: milestone %d must be within 1..100", m)
		}
	}

	for _, d := range p.WebhookDelays {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("policy: webhook delay %q: %w", d, err)
		}
	}

	if p.ShardSize < 1 {
		return fmt.Errorf("policy: shard_size must be at least 1")
	}
	if p.MinutesPerItem < 0 {
		return fmt.Errorf("policy: minutes_per_item must not be negative")
	}
	if p.BatchOutcome != OutcomePartial && p.BatchOutcome != OutcomeStrict {
		return fmt.Errorf("policy: batch_outcome must be %q or %q, got %q", OutcomePartial, OutcomeStrict, p.BatchOutcome)
	}
	return nil
}

// WebhookDelayDurations returns the parsed webhook retry schedule.
func (p *PolicyConfig) WebhookDelayDurations() []time.Duration {
	out := make([]time.Duration, 0, len(p.WebhookDelays))
	for _, d := range p.WebhookDelays {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out
}

func validCategory(c models.ErrorCategory) bool {
	for _, known := range models.Categories {
		if c == known {
			return true
		}
	}
	return false
}
