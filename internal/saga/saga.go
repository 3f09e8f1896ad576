// Package saga runs compensating actions for multi-step operations that
// cross the database and the payment provider.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/retry"
)

// DefaultTimeout bounds how long compensation may run after the caller
// has gone away.
const DefaultTimeout = 30 * time.Second

type step struct {
	name string
	undo func(context.Context) error
}

// Saga collects undo steps as an operation progresses. Call Compensate on
// failure or Complete on success. A Saga is not safe for concurrent use.
type Saga struct {
	name    string
	steps   []step
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
	done    bool
}

// New starts a saga named after the operation it protects.
func New(name string, logger *slog.Logger) *Saga {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga{name: name, policy: retry.DefaultPolicy, timeout: DefaultTimeout, logger: logger}
}

// WithPolicy overrides the retry policy used for each undo step.
func (s *Saga) WithPolicy(p retry.Policy) *Saga {
	s.policy = p
	return s
}

// Add registers the undo for a step that has just succeeded.
func (s *Saga) Add(name string, undo func(context.Context) error) {
	s.steps = append(s.steps, step{name: name, undo: undo})
}

// Len returns the number of registered undo steps.
func (s *Saga) Len() int { return len(s.steps) }

// Complete discards the undo steps.
func (s *Saga) Complete() {
	s.steps = nil
	s.done = true
}

// Compensate runs the undo steps in reverse order. Each step is retried
// under the saga's policy unless it returns a retry.Permanent error; a step
// that still fails does not stop the remaining ones. The returned error joins every step failure.
//
// Compensation runs on a context detached from ctx's cancellation so a
// client disconnect cannot strand money mid-rollback.
func (s *Saga) Compensate(ctx context.Context) error {
	if s.done || len(s.steps) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		err := s.policy.Do(cctx, func() error { return st.undo(cctx) })
		if err != nil {
			metrics.CompensationsTotal.WithLabelValues(s.name, "failed").Inc()
			s.logger.ErrorContext(ctx, "CRITICAL: compensation failed, manual reconciliation required",
				"saga", s.name, "step", st.name, "error", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", s.name, st.name, err))
			continue
		}
		metrics.CompensationsTotal.WithLabelValues(s.name, "ok").Inc()
		s.logger.WarnContext(ctx, "compensation applied", "saga", s.name, "step", st.name)
	}
	s.Complete()
	return errors.Join(errs...)
}
