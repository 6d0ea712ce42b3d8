// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Outcome is what happened to a step during a run.
type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	// OutcomeNotRun is reported for the steps after a failure.
	OutcomeNotRun Outcome = "not-run"
)

// StepResult reports one step of a Report.
type StepResult struct {
	Name        string
	Description string
	// Status is the result of the step's check, empty when it failed.
	Status   Status
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// Report is the result of Run or Status.
type Report struct {
	RunID    uuid.UUID
	Started  time.Time
	Duration time.Duration
	Steps    []StepResult
}

// Failed returns true if a step failed, or, in a status report, could not be
// checked.
func (r Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed || s.Err != nil {
			return true
		}
	}
	return false
}

// Rendered is the dry-run view of a step.
type Rendered struct {
	Name        string
	Description string
	// Gate describes when the step runs.
	Gate string
	// Script is empty for the steps acting on the hypervisor.
	Script string
}

// Provisioner runs an ordered list of steps, one at a time.
type Provisioner struct {
	steps   []Step
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Provisioner)

// WithMetrics records every step of Run in m.
func WithMetrics(m *Metrics) Option {
	return func(p *Provisioner) {
		p.metrics = m
	}
}

// New returns a Provisioner running steps in order.
func New(steps []Step, opts ...Option) *Provisioner {
	p := &Provisioner{
		steps: steps,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run checks each step and runs the pending ones. It stops at the first step
// whose check or run fails and returns an error naming it; the remaining
// steps are reported as not run.
func (p *Provisioner) Run(ctx context.Context) (Report, error) {
	report := p.newReport()
	log := logr.FromContextOrDiscard(ctx).WithValues("runID", report.RunID.String())

	var runErr error
	for _, step := range p.steps {
		if runErr != nil {
			report.Steps = append(report.Steps, StepResult{
				Name:        step.Name(),
				Description: step.Description(),
				Outcome:     OutcomeNotRun,
			})
			continue
		}

		result := p.runStep(logr.NewContext(ctx, log), step)
		report.Steps = append(report.Steps, result)
		p.metrics.observeStep(result)

		if result.Err != nil {
			runErr = result.Err
			log.Error(result.Err, "provisioning failed", "step", step.Name())
		}
	}

	report.Duration = p.now().Sub(report.Started)
	p.metrics.observeRun(p.now(), runErr != nil)

	if runErr == nil {
		log.Info("provisioning complete", "steps", len(report.Steps), "duration", report.Duration.String())
	}

	return report, runErr
}

func (p *Provisioner) runStep(ctx context.Context, step Step) StepResult {
	log := logr.FromContextOrDiscard(ctx).WithValues("step", step.Name())
	start := p.now()
	result := StepResult{Name: step.Name(), Description: step.Description()}

	status, err := step.Check(ctx)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("%w %q: %w", ErrCheckStep, step.Name(), err)
		result.Duration = p.now().Sub(start)
		return result
	}
	result.Status = status

	switch status {
	case StatusDone:
		result.Outcome = OutcomeDone
		log.V(1).Info("already done")
	case StatusSkipped:
		result.Outcome = OutcomeSkipped
		log.V(1).Info("skipped")
	default:
		log.Info("running", "description", step.Description())
		if err := step.Run(ctx); err != nil {
			result.Outcome = OutcomeFailed
			result.Err = fmt.Errorf("%w %q: %w", ErrRunStep, step.Name(), err)
		} else {
			result.Outcome = OutcomeRan
		}
	}

	result.Duration = p.now().Sub(start)
	return result
}

// Status checks every step without running any. A failing check is recorded
// in the Err of its StepResult and does not stop the others. Outcomes are left
// empty.
func (p *Provisioner) Status(ctx context.Context) Report {
	report := p.newReport()

	for _, step := range p.steps {
		start := p.now()
		result := StepResult{Name: step.Name(), Description: step.Description()}

		status, err := step.Check(ctx)
		if err != nil {
			result.Err = fmt.Errorf("%w %q: %w", ErrCheckStep, step.Name(), err)
		}
		result.Status = status
		result.Duration = p.now().Sub(start)

		report.Steps = append(report.Steps, result)
	}

	report.Duration = p.now().Sub(report.Started)
	return report
}

// Render returns the plan without touching any machine.
func (p *Provisioner) Render() []Rendered {
	out := make([]Rendered, 0, len(p.steps))
	for _, step := range p.steps {
		r := Rendered{Name: step.Name(), Description: step.Description(), Gate: "host"}
		if shell, ok := step.(*ShellStep); ok {
			r.Gate = shell.Gate().String()
			r.Script = shell.Script()
		}
		out = append(out, r)
	}
	return out
}

// Steps returns the names of the steps, in order.
func (p *Provisioner) Steps() []string {
	names := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		names = append(names, s.Name())
	}
	return names
}

func (p *Provisioner) newReport() Report {
	return Report{
		RunID:   uuid.New(),
		Started: p.now(),
	}
}
