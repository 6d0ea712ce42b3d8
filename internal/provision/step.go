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

// Package provision brings a development machine to the state described by a
// config.Config.
//
// The work is split into an ordered list of Steps. Each step knows how to
// tell whether it still has to run (Check) and how to do its work (Run).
// The Provisioner runs the list in order and stops at the first failure.
// Running the same list twice leaves the machine as running it once.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/devvm/pkg/target"
)

var (
	ErrCheckStep   = errors.New("checking step")
	ErrRunStep     = errors.New("running step")
	ErrInvalidPlan = errors.New("invalid provisioning plan")
)

// Status is the result of checking a Step.
type Status string

const (
	// StatusPending means the step has work to do.
	StatusPending Status = "pending"
	// StatusDone means the work was already done, e.g. its marker exists.
	StatusDone Status = "done"
	// StatusSkipped means the step does not apply to this machine.
	StatusSkipped Status = "skipped"
)

// Step is a named, idempotent unit of provisioning work.
type Step interface {
	Name() string
	Description() string
	// Check reports whether Run has anything to do. It has no side effect.
	Check(ctx context.Context) (Status, error)
	Run(ctx context.Context) error
}

// Guest is the machine scripts are sent to.
type Guest struct {
	Runner  target.Runner
	ExecCtx execcontext.Context
}

// CommandError is returned when a script exits with an error. It keeps the
// script output for the report.
type CommandError struct {
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (g Guest) run(ctx context.Context, script string) (string, error) {
	stdout, stderr, err := g.Runner.Run(ctx, g.ExecCtx, script)
	if err != nil {
		return stdout, &CommandError{Stdout: stdout, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// succeeds runs a read-only test. It returns false when the test exits with a
// non-zero status and an error when the script could not run at all.
func (g Guest) succeeds(ctx context.Context, script string) (bool, error) {
	_, _, err := g.Runner.Run(ctx, g.ExecCtx, script)
	if err == nil {
		return true, nil
	}

	if _, ok := target.ExitCode(err); ok && ctx.Err() == nil {
		return false, nil
	}

	return false, err
}
