package policy

import (
	"time"

	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Action is the recovery step chosen for a failure.
type Action string

const (
	ActionRetry    Action = "RETRY"
	ActionFail     Action = "FAIL"
	ActionEscalate Action = "ESCALATE"
)

// Decision is the outcome of Decide.
type Decision struct {
	Action     Action
	Delay      time.Duration
	MaxRetries int
}

// Engine decides retry, fail or escalate for an ErrorContext.
type Engine struct {
	rules      map[models.ErrorCategory]config.RetryRule
	childBonus int
}

// NewEngine builds an engine from the policy's retry table.
func NewEngine(p config.PolicyConfig) *Engine {
	rules := make(map[models.ErrorCategory]config.RetryRule, len(p.Retry))
	for cat, r := range p.Retry {
		rules[cat] = r
	}
	return &Engine{rules: rules, childBonus: p.ChildBonusRetries}
}

// MaxRetries returns the retry bound for a job kind and category.
func (e *Engine) MaxRetries(kind models.JobKind, cat models.ErrorCategory) int {
	if cat == models.CategoryValidation || kind == models.KindBatchParent {
		return 0
	}
	n := e.rule(cat).MaxRetries
	if kind == models.KindBatchChild {
		n += e.childBonus
	}
	return n
}

// Decide picks the recovery action. AttemptCount is 1-based, so a job with
// max_retries N is retried after attempts 1..N and gives up on attempt N+1.
func (e *Engine) Decide(ec models.ErrorContext) Decision {
	if ec.Category == models.CategoryValidation {
		return Decision{Action: ActionFail}
	}
	// Parents are never resubmitted; only their children are.
	if ec.JobKind == models.KindBatchParent {
		return Decision{Action: ActionEscalate}
	}

	limit := e.MaxRetries(ec.JobKind, ec.Category)
	if ec.AttemptCount > limit {
		if ec.Category == models.CategoryCompute || ec.Category == models.CategoryTimeout {
			return Decision{Action: ActionEscalate, MaxRetries: limit}
		}
		return Decision{Action: ActionFail, MaxRetries: limit}
	}

	return Decision{
		Action:     ActionRetry,
		Delay:      e.rule(ec.Category).BackoffDuration(),
		MaxRetries: limit,
	}
}

func (e *Engine) rule(cat models.ErrorCategory) config.RetryRule {
	if r, ok := e.rules[cat]; ok {
		return r
	}
	return e.rules[models.CategorySystem]
}
