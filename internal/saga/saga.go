// Package saga collects the undo steps of a multi-step write so partial
// work can be rolled back without masking the error that caused it.
package saga

import (
	"context"
	"fmt"

	"ms-reservations/internal/logger"
)

// Recorder receives one call per executed step. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCompensation(step, outcome string)
}

type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Compensations struct {
	name    string
	subject string
	steps   []Step
	log     *logger.Logger
	rec     Recorder
}

func New(name, subject string, log *logger.Logger, rec Recorder) *Compensations {
	return &Compensations{name: name, subject: subject, log: log, rec: rec}
}

func (c *Compensations) Add(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, Step{Name: name, Fn: fn})
}

func (c *Compensations) Len() int { return len(c.steps) }

// Discard forgets all steps once the forward pass has succeeded.
func (c *Compensations) Discard() { c.steps = nil }

// Rollback runs the steps newest first. Every step runs even when an
// earlier one fails; failures are logged and counted, never returned.
func (c *Compensations) Rollback(ctx context.Context) int {
	failed := 0
	for i := len(c.steps) - 1; i >= 0; i-- {
		if !c.run(ctx, c.steps[i]) {
			failed++
		}
	}
	c.steps = nil
	return failed
}

// Execute runs the steps in insertion order with the same isolation as
// Rollback. Used for best-effort release sequences.
func (c *Compensations) Execute(ctx context.Context) int {
	failed := 0
	for _, s := range c.steps {
		if !c.run(ctx, s) {
			failed++
		}
	}
	c.steps = nil
	return failed
}

func (c *Compensations) run(ctx context.Context, s Step) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("COMPENSATE", fmt.Sprintf("[%s] %s - step %s panicked: %v", c.name, c.subject, s.Name, r))
			c.record(s.Name, "failed")
			ok = false
		}
	}()

	if err := s.Fn(ctx); err != nil {
		c.log.Error("COMPENSATE", fmt.Sprintf("[%s] %s - step %s failed: %v", c.name, c.subject, s.Name, err))
		c.record(s.Name, "failed")
		return false
	}
	c.log.Debug("COMPENSATE", fmt.Sprintf("[%s] %s - step %s done", c.name, c.subject, s.Name))
	c.record(s.Name, "ok")
	return true
}

func (c *Compensations) record(step, outcome string) {
	if c.rec != nil {
		c.rec.RecordCompensation(step, outcome)
	}
}
