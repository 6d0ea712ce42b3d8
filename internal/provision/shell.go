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
	"strings"

	"github.com/alexandremahdhaoui/devvm/pkg/target"
)

// ShellStep runs a shell script on the guest when its Gate allows it.
type ShellStep struct {
	name        string
	description string
	guest       Guest
	gate        Gate
	script      string
}

var _ Step = (*ShellStep)(nil)

// NewShellStep returns a ShellStep running lines with `set -e` followed by
// the seal of gate.
func NewShellStep(name, description string, guest Guest, gate Gate, lines ...string) *ShellStep {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if seal := gate.Seal(); seal != "" {
		b.WriteString(seal)
		b.WriteString("\n")
	}

	return &ShellStep{
		name:        name,
		description: description,
		guest:       guest,
		gate:        gate,
		script:      b.String(),
	}
}

func (s *ShellStep) Name() string        { return s.name }
func (s *ShellStep) Description() string { return s.description }

// Gate returns the gate of the step.
func (s *ShellStep) Gate() Gate { return s.gate }

// Script returns the rendered script, seal included.
func (s *ShellStep) Script() string { return s.script }

// Check implements Step.
func (s *ShellStep) Check(ctx context.Context) (Status, error) {
	return s.gate.Check(ctx)
}

// Run implements Step.
func (s *ShellStep) Run(ctx context.Context) error {
	_, err := s.guest.run(ctx, s.script)
	return err
}

// Validate checks the script is valid POSIX shell.
func (s *ShellStep) Validate() error {
	_, err := target.ParseScript(s.name, s.script)
	return err
}
