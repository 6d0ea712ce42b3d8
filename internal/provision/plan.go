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
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/alexandremahdhaoui/devvm/internal/config"
)

// Mode selects which part of the sequence a plan covers.
type Mode string

const (
	// ModeUp brings the machine up, then provisions it.
	ModeUp Mode = "up"
	// ModeProvision provisions a machine that is already up.
	ModeProvision Mode = "provision"
)

// Deps are the collaborators the steps act through. Network and Machine are
// only needed for libvirt targets in ModeUp.
type Deps struct {
	Guest   Guest
	Network NetworkManager
	Machine MachineManager
}

// hostSteps are the steps acting on the hypervisor rather than the guest.
var hostSteps = []string{StepNetwork, StepMachine}

// Plan returns the ordered steps provisioning cfg in mode. Every shell script
// is checked for syntax errors before anything runs.
func Plan(cfg config.Config, deps Deps, mode Mode) ([]Step, error) {
	extraPackages, err := ExtraPackagesStep(cfg, deps.Guest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	steps := []Step{
		NetworkStep(cfg, deps.Network),
		MachineStep(cfg, deps.Machine),
		AwaitStep(deps.Guest, cfg.AwaitTimeout()),
		SwapStep(cfg, deps.Guest),
		SharedCodeStep(cfg, deps.Guest),
		OverlayStep(cfg, deps.Guest),
		InstallStep(cfg, deps.Guest),
		PrivateSetupStep(cfg, deps.Guest),
		TestDataStep(cfg, deps.Guest),
		RestartServicesStep(cfg, deps.Guest),
		extraPackages,
		FinalizeStep(cfg, deps.Guest),
	}

	excluded := excludedSteps(cfg.Target.Kind, mode)
	steps = lo.Filter(steps, func(s Step, _ int) bool {
		return !lo.Contains(excluded, s.Name())
	})

	var errs []error
	for _, s := range steps {
		if shell, ok := s.(*ShellStep); ok {
			if err := shell.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, name := range hostSteps {
		if !lo.Contains(excluded, name) && (deps.Network == nil || deps.Machine == nil) {
			errs = append(errs, fmt.Errorf("step %q needs a network and a machine manager", name))
			break
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}

	return steps, nil
}

func excludedSteps(kind config.TargetKind, mode Mode) []string {
	var excluded []string

	if mode == ModeProvision || kind != config.TargetLibvirt {
		excluded = append(excluded, hostSteps...)
	}

	switch kind {
	case config.TargetSSH:
		excluded = append(excluded, StepSharedCode)
	case config.TargetLocal:
		excluded = append(excluded, StepSharedCode, StepAwaitGuest)
	}

	return excluded
}
