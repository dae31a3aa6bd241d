// Package policy maps failures to error categories and decides how the
// engine recovers from them.
package policy

import (
	"context"
	"errors"
	"strings"

	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Coded is implemented by errors that already know their category, such as
// structured error codes returned by the compute backend.
type Coded interface {
	ErrorCategory() models.ErrorCategory
}

// CategorizedError attaches a category to an error.
type CategorizedError struct {
	Category models.ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string { return e.Err.Error() }

func (e *CategorizedError) Unwrap() error { return e.Err }

// ErrorCategory implements Coded.
func (e *CategorizedError) ErrorCategory() models.ErrorCategory { return e.Category }

// WithCategory wraps err so the classifier reports cat for it.
func WithCategory(cat models.ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: cat, Err: err}
}

// Classifier maps errors to categories. Structured codes win; the substring
// table is only a fallback for plain messages.
type Classifier struct {
	rules        []config.ClassifierRule
	backendToken string
}

// NewClassifier builds a classifier from the policy's substring table.
func NewClassifier(p config.PolicyConfig) *Classifier {
	rules := make([]config.ClassifierRule, 0, len(p.Classifier))
	for _, r := range p.Classifier {
		lowered := make([]string, len(r.Contains))
		for i, s := range r.Contains {
			lowered[i] = strings.ToLower(s)
		}
		rules = append(rules, config.ClassifierRule{Contains: lowered, Category: r.Category})
	}
	return &Classifier{
		rules:        rules,
		backendToken: strings.ToLower(p.BackendName),
	}
}

// Classify returns the category for err.
func (c *Classifier) Classify(err error) models.ErrorCategory {
	if err == nil {
		return models.CategorySystem
	}

	var coded Coded
	if errors.As(err, &coded) {
		if cat := coded.ErrorCategory(); cat != "" {
			return cat
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.CategoryTimeout
	}

	return c.ClassifyMessage(err.Error())
}

// ClassifyMessage applies the substring table to msg, case-insensitively.
// The first matching rule wins.
func (c *Classifier) ClassifyMessage(msg string) models.ErrorCategory {
	lower := strings.ToLower(msg)
	for _, r := range c.rules {
		for _, s := range r.Contains {
			if strings.Contains(lower, s) {
				return r.Category
			}
		}
	}
	if c.backendToken != "" && strings.Contains(lower, c.backendToken) {
		return models.CategoryCompute
	}
	return models.CategorySystem
}
