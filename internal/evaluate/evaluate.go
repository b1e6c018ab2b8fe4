package evaluate

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("evaluator not configured")

// Request is one job to judge against the candidate's resume.
type Request struct {
	Description string
	Resume      string
	Criteria    string
}

// Verdict is the evaluator's decision.
type Verdict struct {
	Eligible            bool     `json:"eligible"`
	Reasoning           string   `json:"reasoning"`
	MissingRequirements []string `json:"missing_requirements"`
}

// Evaluator decides whether a candidate fits a job.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Verdict, error)
}

// Disabled is used when no provider is configured. Every call fails.
type Disabled struct{}

// Evaluate returns ErrNotConfigured.
func (Disabled) Evaluate(context.Context, Request) (Verdict, error) {
	return Verdict{}, ErrNotConfigured
}
