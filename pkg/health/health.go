package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeStore CheckType = "store"
	CheckTypeTCP   CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Registry evaluates a named set of checkers in one pass.
type Registry struct {
	checkers map[string]Checker
}

// NewRegistry creates an empty checker registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Add registers a named checker.
func (r *Registry) Add(name string, c Checker) {
	r.checkers[name] = c
}

// Run evaluates every checker and returns results by name.
func (r *Registry) Run(ctx context.Context) map[string]Result {
	out := make(map[string]Result, len(r.checkers))
	for name, c := range r.checkers {
		out[name] = c.Check(ctx)
	}
	return out
}

// Healthy reports whether every result is healthy.
func Healthy(results map[string]Result) bool {
	for _, res := range results {
		if !res.Healthy {
			return false
		}
	}
	return true
}
