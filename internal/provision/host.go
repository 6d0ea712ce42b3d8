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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/devvm/internal/config"
)

var ErrGuestUnreachable = errors.New("guest did not become reachable")

// Reservation binds an address and a hostname to a MAC address on a network.
type Reservation struct {
	Network     string
	MAC         string
	Hostname    string
	Address     string
	HostAddress string
	Netmask     string
}

// ReservationFromConfig returns the reservation described by cfg.
func ReservationFromConfig(cfg config.Config) Reservation {
	return Reservation{
		Network:     cfg.Network.Name,
		MAC:         cfg.Network.MACAddress,
		Hostname:    cfg.Hostname,
		Address:     cfg.Network.Address,
		HostAddress: cfg.Network.HostAddress,
		Netmask:     cfg.Network.Netmask,
	}
}

// NetworkManager gives the machine its static address.
type NetworkManager interface {
	HasReservation(ctx context.Context, r Reservation) (bool, error)
	// Reserve creates the network if needed and adds the reservation.
	Reserve(ctx context.Context, r Reservation) error
}

// MachineManager brings the virtual machine up.
type MachineManager interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	// Ensure creates and starts the machine, or starts it if it exists.
	Ensure(ctx context.Context, cfg config.Config) error
}

// NetworkStep reserves the static address and hostname of the machine.
func NetworkStep(cfg config.Config, mgr NetworkManager) Step {
	return &networkStep{mgr: mgr, reservation: ReservationFromConfig(cfg)}
}

type networkStep struct {
	mgr         NetworkManager
	reservation Reservation
}

func (s *networkStep) Name() string { return StepNetwork }

func (s *networkStep) Description() string {
	return fmt.Sprintf("reserve %s (%s) for %s on network %s",
		s.reservation.Address, s.reservation.Hostname, s.reservation.MAC, s.reservation.Network)
}

func (s *networkStep) Check(ctx context.Context) (Status, error) {
	ok, err := s.mgr.HasReservation(ctx, s.reservation)
	if err != nil {
		return "", err
	}
	if ok {
		return StatusDone, nil
	}
	return StatusPending, nil
}

func (s *networkStep) Run(ctx context.Context) error {
	return s.mgr.Reserve(ctx, s.reservation)
}

// MachineStep creates and starts the virtual machine.
func MachineStep(cfg config.Config, mgr MachineManager) Step {
	return &machineStep{mgr: mgr, cfg: cfg}
}

type machineStep struct {
	mgr MachineManager
	cfg config.Config
}

func (s *machineStep) Name() string { return StepMachine }

func (s *machineStep) Description() string {
	return fmt.Sprintf("run machine %s with %dMB of memory and %d vCPUs", s.cfg.Name, s.cfg.MemoryMB, s.cfg.VCPUs)
}

func (s *machineStep) Check(ctx context.Context) (Status, error) {
	running, err := s.mgr.IsRunning(ctx, s.cfg.Name)
	if err != nil {
		return "", err
	}
	if running {
		return StatusDone, nil
	}
	return StatusPending, nil
}

func (s *machineStep) Run(ctx context.Context) error {
	return s.mgr.Ensure(ctx, s.cfg)
}

// AwaitStep waits until the guest runs commands, at most timeout.
func AwaitStep(guest Guest, timeout time.Duration) Step {
	return &awaitStep{guest: guest, timeout: timeout, initialInterval: time.Second}
}

type awaitStep struct {
	guest           Guest
	timeout         time.Duration
	initialInterval time.Duration
}

func (s *awaitStep) Name() string { return StepAwaitGuest }

func (s *awaitStep) Description() string {
	return fmt.Sprintf("wait up to %s for the guest to accept commands", s.timeout)
}

// Check never fails: an unreachable guest is pending.
func (s *awaitStep) Check(ctx context.Context) (Status, error) {
	if _, _, err := s.guest.Runner.Run(ctx, s.guest.ExecCtx, "true"); err != nil {
		return StatusPending, nil
	}
	return StatusDone, nil
}

func (s *awaitStep) Run(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = s.timeout

	op := func() error {
		_, _, err := s.guest.Runner.Run(ctx, s.guest.ExecCtx, "true")
		return err
	}
	notify := func(err error, next time.Duration) {
		log.V(1).Info("guest not reachable yet", "err", err.Error(), "retryIn", next.String())
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("%w after %s: %w", ErrGuestUnreachable, s.timeout, err)
	}

	return nil
}
