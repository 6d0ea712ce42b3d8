/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vmm manages the libvirt domain of a development machine: its
// copy-on-write disk, its cloud-init seed and its read-only virtiofs shares.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	utilexec "k8s.io/utils/exec"
	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/devvm/pkg/cloudinit"
)

var (
	ErrConnectLibvirt       = errors.New("failed to connect to libvirt")
	ErrConnNil              = errors.New("libvirt connection is not initialized")
	ErrInvalidVMConfig      = errors.New("invalid VM config")
	ErrCreateVMDisk         = errors.New("failed to create VM disk")
	ErrGenerateCloudInitISO = errors.New("failed to generate cloud-init ISO")
	ErrMarshalDomainXML     = errors.New("failed to marshal domain XML")
	ErrDefineDomain         = errors.New("failed to define domain")
	ErrCreateDomain         = errors.New("failed to create domain")
	ErrLookupDomain         = errors.New("failed to lookup domain")
	ErrGetDomainState       = errors.New("failed to get domain state")
	ErrDestroyDomain        = errors.New("failed to destroy domain")
	ErrUndefineDomain       = errors.New("failed to undefine domain")
	ErrDeleteVMFile         = errors.New("failed to delete VM file")
)

const (
	// DefaultConnectionURI is the libvirt URI used when none is given.
	DefaultConnectionURI = "qemu:///system"

	defaultMemoryMB = 2048
	defaultVCPUs    = 2
	defaultDiskSize = "20G"
	defaultNetwork  = "default"
)

// VMM manages libvirt virtual machines.
type VMM struct {
	conn    *libvirt.Connect
	uri     string
	baseDir string // Directory holding the VM disks and cloud-init ISOs
	exec    utilexec.Interface
}

// VMMOption is a function that modifies VMM configuration
type VMMOption func(*VMM)

// WithBaseDir returns an option that sets the directory holding VM disks
// and cloud-init ISOs. It must be readable by the hypervisor.
func WithBaseDir(baseDir string) VMMOption {
	return func(v *VMM) {
		v.baseDir = baseDir
	}
}

// WithConnectionURI returns an option that sets the libvirt connection URI.
func WithConnectionURI(uri string) VMMOption {
	return func(v *VMM) {
		v.uri = uri
	}
}

// WithExec returns an option that sets how host commands (qemu-img,
// xorriso) are run.
func WithExec(exec utilexec.Interface) VMMOption {
	return func(v *VMM) {
		v.exec = exec
	}
}

// NewVMM creates a new VMM instance and connects to libvirt.
func NewVMM(opts ...VMMOption) (*VMM, error) {
	v := newVMM(opts...)

	conn, err := libvirt.NewConnect(v.uri)
	if err != nil {
		return nil, fmt.Errorf("%w: uri=%s: %w", ErrConnectLibvirt, v.uri, err)
	}
	v.conn = conn

	return v, nil
}

func newVMM(opts ...VMMOption) *VMM {
	v := &VMM{
		uri:     DefaultConnectionURI,
		baseDir: os.TempDir(),
		exec:    utilexec.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Close closes the libvirt connection.
func (v *VMM) Close() error {
	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	return err
}

// GetConnection returns the libvirt connection for advanced operations
func (v *VMM) GetConnection() *libvirt.Connect {
	return v.conn
}

// DiskPath returns the path of the copy-on-write disk of the VM called name.
func (v *VMM) DiskPath(name string) string {
	return filepath.Join(v.baseDir, fmt.Sprintf("%s.qcow2", name))
}

// CloudInitISOPath returns the path of the cloud-init seed of the VM called
// name.
func (v *VMM) CloudInitISOPath(name string) string {
	return filepath.Join(v.baseDir, fmt.Sprintf("%s-cloud-init.iso", name))
}

type VMConfig struct {
	Name           string
	ImageQCOW2Path string
	DiskSize       string
	MemoryMB       uint
	VCPUs          uint
	// Network is the libvirt network the single interface is attached to.
	Network string
	// MACAddress of the interface. libvirt picks one when empty.
	MACAddress string
	UserData   cloudinit.UserData
	VirtioFS   []VirtioFSConfig
}

type VirtioFSConfig struct {
	// Tag is the name the guest mounts the share by.
	Tag      string
	HostPath string
	ReadOnly bool
}

func NewVMConfig(name, imagePath string, userData cloudinit.UserData) VMConfig {
	return VMConfig{
		Name:           name,
		ImageQCOW2Path: imagePath,
		DiskSize:       defaultDiskSize,
		MemoryMB:       defaultMemoryMB,
		VCPUs:          defaultVCPUs,
		Network:        defaultNetwork,
		UserData:       userData,
	}
}

func (c VMConfig) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.ImageQCOW2Path == "" {
		errs = append(errs, errors.New("base image is required"))
	}
	if c.MemoryMB == 0 || c.VCPUs == 0 {
		errs = append(errs, errors.New("memory and vcpus must be positive"))
	}
	for _, fs := range c.VirtioFS {
		if fs.Tag == "" || !filepath.IsAbs(fs.HostPath) {
			errs = append(errs, fmt.Errorf("virtiofs share %q needs a tag and an absolute host path", fs.Tag))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidVMConfig, errors.Join(errs...))
}

// VMMetadata holds information about a virtual machine
type VMMetadata struct {
	Name             string
	UUID             string
	DiskPath         string
	CloudInitISOPath string
	// Defined is true when EnsureVM defined the domain.
	Defined bool
	// Started is true when EnsureVM started the domain.
	Started bool
}

// EnsureVM makes sure the VM described by cfg is defined and running.
// An existing domain is only started if needed; its definition is not
// compared against cfg.
func (v *VMM) EnsureVM(ctx context.Context, cfg VMConfig) (*VMMetadata, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("vmName", cfg.Name)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dom, err := v.lookupDomain(cfg.Name)
	if err != nil {
		return nil, err
	}

	meta := &VMMetadata{
		Name:             cfg.Name,
		UUID:             domainUUID(cfg.Name),
		DiskPath:         v.DiskPath(cfg.Name),
		CloudInitISOPath: v.CloudInitISOPath(cfg.Name),
	}

	if dom == nil {
		if err := v.createDisk(ctx, cfg, meta.DiskPath); err != nil {
			return nil, err
		}

		if err := v.generateCloudInitISO(ctx, cfg, meta.CloudInitISOPath); err != nil {
			return nil, err
		}

		vmXML, err := generateDomainXML(cfg, meta.DiskPath, meta.CloudInitISOPath)
		if err != nil {
			return nil, err
		}

		dom, err = v.conn.DomainDefineXML(vmXML)
		if err != nil {
			return nil, fmt.Errorf("%w: vmName=%s: %w", ErrDefineDomain, cfg.Name, err)
		}
		meta.Defined = true
		log.Info("defined domain", "uuid", meta.UUID, "disk", meta.DiskPath)
	}
	defer func() { _ = dom.Free() }()

	active, err := dom.IsActive()
	if err != nil {
		return nil, fmt.Errorf("%w: vmName=%s: %w", ErrGetDomainState, cfg.Name, err)
	}

	if !active {
		if err := dom.Create(); err != nil {
			return nil, fmt.Errorf("%w: vmName=%s: %w", ErrCreateDomain, cfg.Name, err)
		}
		meta.Started = true
		log.Info("started domain")
	} else {
		log.V(1).Info("domain already running")
	}

	return meta, nil
}

// IsRunning returns true if a domain called name exists and is active.
func (v *VMM) IsRunning(ctx context.Context, name string) (bool, error) {
	dom, err := v.lookupDomain(name)
	if err != nil || dom == nil {
		return false, err
	}
	defer func() { _ = dom.Free() }()

	active, err := dom.IsActive()
	if err != nil {
		return false, fmt.Errorf("%w: vmName=%s: %w", ErrGetDomainState, name, err)
	}
	return active, nil
}

// DestroyVM stops and undefines the domain called name and deletes its disk
// and cloud-init ISO. Idempotent - a missing domain or file is not an error.
func (v *VMM) DestroyVM(ctx context.Context, name string) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("vmName", name)

	dom, err := v.lookupDomain(name)
	if err != nil {
		return err
	}

	if dom == nil {
		log.V(1).Info("VM not found in libvirt, skipping destroy")
	} else {
		defer func() { _ = dom.Free() }()

		active, err := dom.IsActive()
		if err != nil {
			return fmt.Errorf("%w: vmName=%s: %w", ErrGetDomainState, name, err)
		}

		if active {
			if err := dom.Destroy(); err != nil {
				return fmt.Errorf("%w: vmName=%s: %w", ErrDestroyDomain, name, err)
			}
		}

		if err := dom.Undefine(); err != nil {
			return fmt.Errorf("%w: vmName=%s: %w", ErrUndefineDomain, name, err)
		}
		log.Info("destroyed domain")
	}

	return v.removeFiles(name)
}

func (v *VMM) removeFiles(name string) error {
	var errs []error
	for _, path := range []string{v.DiskPath(name), v.CloudInitISOPath(name)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: path=%s: %w", ErrDeleteVMFile, path, err))
		}
	}
	return errors.Join(errs...)
}

// lookupDomain returns nil if no domain is called name.
func (v *VMM) lookupDomain(name string) (*libvirt.Domain, error) {
	if v.conn == nil {
		return nil, ErrConnNil
	}

	dom, err := v.conn.LookupDomainByName(name)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: vmName=%s: %w", ErrLookupDomain, name, err)
	}

	return dom, nil
}

// createDisk creates a qcow2 overlay backed by the base image. An existing
// disk is kept so that a redefined domain finds its previous state.
func (v *VMM) createDisk(ctx context.Context, cfg VMConfig, diskPath string) error {
	if _, err := os.Stat(diskPath); err == nil {
		logr.FromContextOrDiscard(ctx).V(1).Info("reusing existing disk", "disk", diskPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrCreateVMDisk, err)
	}

	size := cfg.DiskSize
	if size == "" {
		size = defaultDiskSize
	}

	output, err := v.exec.CommandContext(ctx,
		"qemu-img", "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", cfg.ImageQCOW2Path,
		diskPath,
		size,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %w: output: %s", ErrCreateVMDisk, err, output)
	}

	return nil
}

// generateCloudInitISO writes a NoCloud seed (volume label "cidata") to
// isoPath.
func (v *VMM) generateCloudInitISO(ctx context.Context, cfg VMConfig, isoPath string) error {
	userData, err := cfg.UserData.Render()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGenerateCloudInitISO, err)
	}

	metaData, err := cloudinit.MetaData{
		InstanceID:    domainUUID(cfg.Name),
		LocalHostname: cfg.UserData.Hostname,
	}.Render()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGenerateCloudInitISO, err)
	}

	if err := os.MkdirAll(filepath.Dir(isoPath), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrGenerateCloudInitISO, err)
	}

	// Config files live next to the ISO only while it is built.
	cloudInitDir, err := os.MkdirTemp(filepath.Dir(isoPath), fmt.Sprintf("%s-cloud-init-config-", cfg.Name))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGenerateCloudInitISO, err)
	}
	defer func() { _ = os.RemoveAll(cloudInitDir) }()

	for name, content := range map[string]string{
		"user-data": userData,
		"meta-data": metaData,
	} {
		if err := os.WriteFile(filepath.Join(cloudInitDir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("%w: writing %s: %w", ErrGenerateCloudInitISO, name, err)
		}
	}

	output, err := v.exec.CommandContext(ctx,
		"xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		cloudInitDir,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %w: output: %s", ErrGenerateCloudInitISO, err, output)
	}

	return nil
}
