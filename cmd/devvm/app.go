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

package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandremahdhaoui/devvm/internal/adapter"
	"github.com/alexandremahdhaoui/devvm/internal/config"
	"github.com/alexandremahdhaoui/devvm/internal/provision"
	"github.com/alexandremahdhaoui/devvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/devvm/pkg/target"
)

var (
	errInvalidConfig = errors.New("invalid configuration")
	errInvalidMode   = errors.New("invalid mode")
	errWriteMetrics  = errors.New("writing metrics")
)

// app is the configured machine and the collaborators acting on it.
type app struct {
	cfg config.Config
	// libvirt is nil unless the target kind is libvirt. It connects on first
	// use.
	libvirt adapter.Libvirt
}

func loadApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	a := &app{cfg: cfg}
	if cfg.Target.Kind == config.TargetLibvirt {
		a.libvirt = adapter.NewLibvirt(cfg.Target.LibvirtURI, cfg.Target.BaseDir)
	}

	return a, nil
}

func (a *app) Close() error {
	if a.libvirt == nil {
		return nil
	}
	return a.libvirt.Close()
}

// guestExecContext returns a Guest without a runner, enough to render scripts.
func (a *app) guestExecContext() provision.Guest {
	var prependCmd []string
	if a.cfg.Target.Sudo {
		prependCmd = []string{"sudo"}
	}

	return provision.Guest{ExecCtx: execcontext.New(nil, prependCmd)}
}

func (a *app) guest() (provision.Guest, error) {
	guest := a.guestExecContext()

	switch a.cfg.Target.Kind {
	case config.TargetLocal:
		guest.Runner = target.NewLocal(target.WithDir(a.cfg.SharedCode.HostPath))
	default:
		sshCfg := a.cfg.Target.SSH
		client, err := ssh.NewClient(sshCfg.Host, sshCfg.User, sshCfg.PrivateKeyPath, sshCfg.Port)
		if err != nil {
			return provision.Guest{}, err
		}
		guest.Runner = client
	}

	return guest, nil
}

// provisioner plans the steps of mode. The returned registry holds the
// metrics of the runs.
func (a *app) provisioner(mode provision.Mode, guest provision.Guest) (*provision.Provisioner, *prometheus.Registry, error) {
	if mode != provision.ModeUp && mode != provision.ModeProvision {
		return nil, nil, fmt.Errorf("%w %q: must be one of %s, %s", errInvalidMode, mode, provision.ModeUp, provision.ModeProvision)
	}

	deps := provision.Deps{Guest: guest}
	if a.libvirt != nil {
		deps.Network = a.libvirt
		deps.Machine = a.libvirt
	}

	steps, err := provision.Plan(a.cfg, deps, mode)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	metrics, err := provision.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	return provision.New(steps, provision.WithMetrics(metrics)), reg, nil
}

// writeMetrics writes reg for the node exporter textfile collector when a
// path is configured.
func (a *app) writeMetrics(reg *prometheus.Registry) error {
	path := a.cfg.Metrics.TextfilePath
	if path == "" {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("%w to %s: %w", errWriteMetrics, path, err)
	}

	return nil
}
