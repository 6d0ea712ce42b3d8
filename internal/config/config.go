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

// Package config holds the declarative description of a development machine.
//
// A Config is built from defaults, overlaid by a YAML, JSON or TOML file and
// by DEVVM_* environment variables. Fields left empty that depend on other
// fields (overlay paths under the user's home, the SSH host, the MAC address)
// are derived once everything else is known.
package config

import (
	"crypto/sha256"
	"fmt"
	"net"
	"path"
	"time"
)

// ConfigPathEnvKey is the environment variable key for the config file path.
const ConfigPathEnvKey = "DEVVM_CONFIG_PATH"

// TargetKind selects how the machine is reached.
type TargetKind string

const (
	// TargetLibvirt creates the machine with libvirt and reaches it over SSH.
	TargetLibvirt TargetKind = "libvirt"
	// TargetSSH provisions an existing machine over SSH.
	TargetSSH TargetKind = "ssh"
	// TargetLocal provisions the current machine.
	TargetLocal TargetKind = "local"
)

// Config describes a development machine.
type Config struct {
	// Name of the libvirt domain. Also seeds the derived MAC address.
	Name     string `json:"name"     toml:"name"`
	Hostname string `json:"hostname" toml:"hostname"`
	// User is the unprivileged account that owns the overlay upper layer.
	User string `json:"user" toml:"user"`

	MemoryMB int `json:"memoryMB" toml:"memoryMB"`
	VCPUs    int `json:"vcpus"    toml:"vcpus"`
	// SwapMB is the size of the swap file. 0 disables swap setup.
	SwapMB int `json:"swapMB" toml:"swapMB"`

	Network      Network      `json:"network"      toml:"network"`
	SharedCode   SharedCode   `json:"sharedCode"   toml:"sharedCode"`
	Overlay      Overlay      `json:"overlay"      toml:"overlay"`
	Install      Install      `json:"install"      toml:"install"`
	PrivateSetup PrivateSetup `json:"privateSetup" toml:"privateSetup"`
	TestData     TestData     `json:"testData"     toml:"testData"`
	Services     Services     `json:"services"     toml:"services"`
	Packages     Packages     `json:"packages"     toml:"packages"`

	// MarkerDir holds the zero-byte files recording completed steps.
	MarkerDir string `json:"markerDir" toml:"markerDir"`

	Target  Target  `json:"target"  toml:"target"`
	Metrics Metrics `json:"metrics" toml:"metrics"`
}

// Network is the private network the machine is attached to.
type Network struct {
	Name        string `json:"name"        toml:"name"`
	Address     string `json:"address"     toml:"address"`
	HostAddress string `json:"hostAddress" toml:"hostAddress"`
	Netmask     string `json:"netmask"     toml:"netmask"`
	MACAddress  string `json:"macAddress"  toml:"macAddress"`
}

// SharedCode maps a host directory into the guest, read-only.
type SharedCode struct {
	HostPath  string `json:"hostPath"  toml:"hostPath"`
	GuestPath string `json:"guestPath" toml:"guestPath"`
	// Tag is the virtiofs mount tag.
	Tag string `json:"tag" toml:"tag"`
}

// Overlay makes the read-only shared code writable inside the guest.
type Overlay struct {
	Lower      string `json:"lower"      toml:"lower"`
	Upper      string `json:"upper"      toml:"upper"`
	Work       string `json:"work"       toml:"work"`
	MountPoint string `json:"mountPoint" toml:"mountPoint"`
}

type Install struct {
	Plugins []string `json:"plugins" toml:"plugins"`
	WorkDir string   `json:"workDir" toml:"workDir"`
	Command string   `json:"command" toml:"command"`
	// FinalizeCommand runs on every provision after everything else.
	FinalizeCommand string `json:"finalizeCommand,omitempty" toml:"finalizeCommand,omitempty"`
}

type PrivateSetup struct {
	// Script is relative to SharedCode.HostPath on the host and to
	// SharedCode.GuestPath in the guest.
	Script string `json:"script" toml:"script"`
}

type TestData struct {
	WorkDir string `json:"workDir" toml:"workDir"`
	Command string `json:"command,omitempty" toml:"command,omitempty"`
}

// Services are restarted after test data is injected.
type Services struct {
	Stop  string `json:"stop,omitempty"  toml:"stop,omitempty"`
	Start string `json:"start,omitempty" toml:"start,omitempty"`
}

type Packages struct {
	Manager string   `json:"manager" toml:"manager"`
	Extra   []string `json:"extra"   toml:"extra"`
}

// Target tells how the machine is reached.
type Target struct {
	Kind       TargetKind `json:"kind"       toml:"kind"`
	LibvirtURI string     `json:"libvirtURI" toml:"libvirtURI"`
	// Image is the base qcow2 cloud image the machine disk is backed by.
	Image    string `json:"image"    toml:"image"`
	DiskSize string `json:"diskSize" toml:"diskSize"`
	BaseDir  string `json:"baseDir"  toml:"baseDir"`
	// Sudo prefixes every guest script with sudo.
	Sudo bool `json:"sudo" toml:"sudo"`
	SSH  SSH  `json:"ssh"  toml:"ssh"`
}

type SSH struct {
	Host           string         `json:"host"           toml:"host"`
	Port           string         `json:"port"           toml:"port"`
	User           string         `json:"user"           toml:"user"`
	PrivateKeyPath string         `json:"privateKeyPath" toml:"privateKeyPath"`
	AwaitTimeout   DurationString `json:"awaitTimeout"   toml:"awaitTimeout"`
}

type Metrics struct {
	// TextfilePath is where metrics are written in the Prometheus text format.
	TextfilePath string `json:"textfilePath,omitempty" toml:"textfilePath,omitempty"`
}

// DurationString is a time.Duration written as a string, e.g. "5m".
type DurationString string

// Duration parses the DurationString into a time.Duration.
func (d DurationString) Duration() (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(string(d))
}

// newBaseConfig returns the defaults that do not depend on other fields.
func newBaseConfig() Config {
	return Config{
		Name:     "devvm",
		Hostname: "devvm.local",
		User:     "dev",
		MemoryMB: 4096,
		VCPUs:    2,
		SwapMB:   2048,
		Network: Network{
			Name:        "devvm",
			Address:     "192.168.56.111",
			HostAddress: "192.168.56.1",
			Netmask:     "255.255.255.0",
		},
		SharedCode: SharedCode{
			HostPath:  "..",
			GuestPath: "/media/code",
			Tag:       "code",
		},
		Install: Install{
			Command: "./install/install.sh",
		},
		PrivateSetup: PrivateSetup{
			Script: "private/setup.sh",
		},
		Packages: Packages{
			Manager: "apt",
		},
		MarkerDir: "/var/local",
		Target: Target{
			Kind:       TargetLibvirt,
			LibvirtURI: "qemu:///system",
			DiskSize:   "20G",
			BaseDir:    "/var/lib/devvm",
			Sudo:       true,
			SSH: SSH{
				Port:         "22",
				AwaitTimeout: "5m",
			},
		},
	}
}

// Default returns a Config with every field set.
func Default() Config {
	cfg := newBaseConfig()
	cfg.complete("")
	return cfg
}

// complete derives the fields left empty from the others. Relative host
// paths are resolved against baseDir when it is not empty.
func (c *Config) complete(baseDir string) {
	if baseDir != "" {
		c.SharedCode.HostPath = resolve(baseDir, c.SharedCode.HostPath)
		c.Target.Image = resolve(baseDir, c.Target.Image)
		c.Target.SSH.PrivateKeyPath = resolve(baseDir, c.Target.SSH.PrivateKeyPath)
	}

	// The local machine sees the shared code where it already is.
	if c.Target.Kind == TargetLocal {
		c.SharedCode.GuestPath = c.SharedCode.HostPath
	}

	home := path.Join("/home", c.User)

	if c.Overlay.Lower == "" {
		c.Overlay.Lower = c.SharedCode.GuestPath
	}
	if c.Overlay.Upper == "" {
		c.Overlay.Upper = path.Join(home, ".overlay", "upper")
	}
	if c.Overlay.Work == "" {
		c.Overlay.Work = path.Join(home, ".overlay", "work")
	}
	if c.Overlay.MountPoint == "" {
		c.Overlay.MountPoint = path.Join(home, "src")
	}
	if c.Install.WorkDir == "" {
		c.Install.WorkDir = c.Overlay.MountPoint
	}
	if c.TestData.WorkDir == "" {
		c.TestData.WorkDir = c.Install.WorkDir
	}

	if c.Target.SSH.Host == "" {
		c.Target.SSH.Host = c.Network.Address
	}
	if c.Target.SSH.User == "" {
		c.Target.SSH.User = c.User
	}
	if c.Network.MACAddress == "" {
		c.Network.MACAddress = MACFromName(c.Name)
	}
}

// MACFromName returns a stable locally administered MAC address in the QEMU
// range (52:54:00) derived from name.
func MACFromName(name string) string {
	sum := sha256.Sum256([]byte(name))
	mac := net.HardwareAddr{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	return mac.String()
}

// MarkerPath returns the absolute path of the marker file called name.
func (c Config) MarkerPath(name string) string {
	return path.Join(c.MarkerDir, name)
}

// AwaitTimeout returns the bound on waiting for the guest to accept commands.
func (c Config) AwaitTimeout() time.Duration {
	d, err := c.Target.SSH.AwaitTimeout.Duration()
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func (c Config) String() string {
	return fmt.Sprintf("%s (%s, %s)", c.Name, c.Target.Kind, c.Hostname)
}
