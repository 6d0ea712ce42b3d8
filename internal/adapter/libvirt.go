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

package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/devvm/internal/config"
	"github.com/alexandremahdhaoui/devvm/internal/provision"
	"github.com/alexandremahdhaoui/devvm/pkg/cloudinit"
	"github.com/alexandremahdhaoui/devvm/pkg/network"
	"github.com/alexandremahdhaoui/devvm/pkg/vmm"
)

var (
	errMachineConfig  = errors.New("building machine config")
	errReserveAddress = errors.New("reserving address")
	errDestroyMachine = errors.New("destroying machine")
)

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// Libvirt brings a development machine up on a libvirt hypervisor and tears
// it down.
type Libvirt interface {
	provision.NetworkManager
	provision.MachineManager

	// Destroy removes the machine, its disk and its address reservation.
	Destroy(ctx context.Context, cfg config.Config) error
	// Close releases the hypervisor connection, if one was opened.
	Close() error
}

type networkAPI interface {
	Get(ctx context.Context, name string) (*network.LibvirtNetworkInfo, error)
	Create(ctx context.Context, config network.LibvirtNetworkConfig) error
	AddHost(ctx context.Context, name string, h network.Host) error
	RemoveHost(ctx context.Context, name string, h network.Host) error
}

type machineAPI interface {
	EnsureVM(ctx context.Context, cfg vmm.VMConfig) (*vmm.VMMetadata, error)
	IsRunning(ctx context.Context, name string) (bool, error)
	DestroyVM(ctx context.Context, name string) error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewLibvirt returns a Libvirt connecting to uri on first use. Machine disks
// are stored under baseDir.
func NewLibvirt(uri, baseDir string) Libvirt {
	return &libvirtHost{
		uri:     uri,
		baseDir: baseDir,
	}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type libvirtHost struct {
	uri     string
	baseDir string

	networks networkAPI
	machines machineAPI
	close    func() error
}

func (h *libvirtHost) connect() error {
	if h.machines != nil && h.networks != nil {
		return nil
	}

	v, err := vmm.NewVMM(vmm.WithConnectionURI(h.uri), vmm.WithBaseDir(h.baseDir))
	if err != nil {
		return err
	}

	h.machines = v
	h.networks = network.NewLibvirtNetworkManager(v.GetConnection())
	h.close = v.Close

	return nil
}

func (h *libvirtHost) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// --------------------------------------------- HasReservation ----------------------------------------------------- //

func (h *libvirtHost) HasReservation(ctx context.Context, r provision.Reservation) (bool, error) {
	if err := h.connect(); err != nil {
		return false, err
	}

	info, err := h.networks.Get(ctx, r.Network)
	if errors.Is(err, network.ErrNetworkNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return info.IsActive && info.HasHost(hostFromReservation(r)), nil
}

// --------------------------------------------- Reserve ------------------------------------------------------------ //

func (h *libvirtHost) Reserve(ctx context.Context, r provision.Reservation) error {
	if err := h.connect(); err != nil {
		return err
	}

	host := hostFromReservation(r)

	// Create is a no-op on an existing network; its hosts are then added
	// below.
	if err := h.networks.Create(ctx, network.LibvirtNetworkConfig{
		Name:      r.Network,
		Mode:      network.ModeNAT,
		IPAddress: r.HostAddress,
		Netmask:   r.Netmask,
		Hosts:     []network.Host{host},
	}); err != nil {
		return fmt.Errorf("%w: %w", errReserveAddress, err)
	}

	if err := h.networks.AddHost(ctx, r.Network, host); err != nil {
		return fmt.Errorf("%w: %w", errReserveAddress, err)
	}

	return nil
}

// --------------------------------------------- IsRunning ---------------------------------------------------------- //

func (h *libvirtHost) IsRunning(ctx context.Context, name string) (bool, error) {
	if err := h.connect(); err != nil {
		return false, err
	}
	return h.machines.IsRunning(ctx, name)
}

// --------------------------------------------- Ensure ------------------------------------------------------------- //

func (h *libvirtHost) Ensure(ctx context.Context, cfg config.Config) error {
	vmConfig, err := MachineConfig(cfg)
	if err != nil {
		return err
	}

	if err := h.connect(); err != nil {
		return err
	}

	_, err = h.machines.EnsureVM(ctx, vmConfig)
	return err
}

// --------------------------------------------- Destroy ------------------------------------------------------------ //

func (h *libvirtHost) Destroy(ctx context.Context, cfg config.Config) error {
	if err := h.connect(); err != nil {
		return err
	}

	var errs []error
	if err := h.machines.DestroyVM(ctx, cfg.Name); err != nil {
		errs = append(errs, err)
	}

	host := hostFromReservation(provision.ReservationFromConfig(cfg))
	if err := h.networks.RemoveHost(ctx, cfg.Network.Name, host); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %w", errDestroyMachine, cfg.Name, errors.Join(errs...))
	}

	return nil
}

// --------------------------------------------- Helpers ------------------------------------------------------------ //

// MachineConfig returns the libvirt domain description of cfg. The machine
// user is authorized with the public half of the SSH key used to reach it.
func MachineConfig(cfg config.Config) (vmm.VMConfig, error) {
	authorizedKey, err := cloudinit.AuthorizedKeyFromPrivateKeyFile(cfg.Target.SSH.PrivateKeyPath)
	if err != nil {
		return vmm.VMConfig{}, fmt.Errorf("%w: %w", errMachineConfig, err)
	}

	userData := cloudinit.NewUserData(cfg.Hostname, cfg.Target.SSH.User, authorizedKey)
	if cfg.User != cfg.Target.SSH.User {
		userData.Users = append(userData.Users, cloudinit.NewUserWithAuthorizedKeys(cfg.User, nil))
	}

	vmConfig := vmm.NewVMConfig(cfg.Name, cfg.Target.Image, userData)
	vmConfig.DiskSize = cfg.Target.DiskSize
	vmConfig.MemoryMB = uint(cfg.MemoryMB)
	vmConfig.VCPUs = uint(cfg.VCPUs)
	vmConfig.Network = cfg.Network.Name
	vmConfig.MACAddress = cfg.Network.MACAddress
	vmConfig.VirtioFS = []vmm.VirtioFSConfig{{
		Tag:      cfg.SharedCode.Tag,
		HostPath: cfg.SharedCode.HostPath,
		ReadOnly: true,
	}}

	return vmConfig, nil
}

func hostFromReservation(r provision.Reservation) network.Host {
	return network.Host{
		MAC:  r.MAC,
		Name: r.Hostname,
		IP:   r.Address,
	}
}
