package config

import (
	"fmt"
	"net"
	"path"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// ValidationError represents a validation error with detailed context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// PackageManagers lists the supported values of packages.manager.
var PackageManagers = []string{"apt", "dnf", "yum", "zypper"}

// Validate reports every problem found in c. It returns nil or a
// ValidationErrors.
func (c Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Name == "" {
		add("name", "name is required")
	}
	if c.Hostname == "" {
		add("hostname", "hostname is required")
	}
	if c.User == "" {
		add("user", "user is required")
	} else if strings.ContainsFunc(c.User, unicode.IsSpace) || strings.Contains(c.User, "/") {
		add("user", "invalid user name '%s'", c.User)
	}

	if c.MemoryMB <= 0 {
		add("memoryMB", "must be positive, got %d", c.MemoryMB)
	}
	if c.VCPUs <= 0 {
		add("vcpus", "must be positive, got %d", c.VCPUs)
	}
	if c.SwapMB < 0 {
		add("swapMB", "must not be negative, got %d", c.SwapMB)
	}

	switch c.Target.Kind {
	case TargetLibvirt:
		if c.Network.Name == "" {
			add("network.name", "network name is required")
		}
		if net.ParseIP(c.Network.HostAddress) == nil {
			add("network.hostAddress", "invalid IP address '%s'", c.Network.HostAddress)
		}
		if net.ParseIP(c.Network.Netmask) == nil {
			add("network.netmask", "invalid netmask '%s'", c.Network.Netmask)
		}
		if _, err := net.ParseMAC(c.Network.MACAddress); err != nil {
			add("network.macAddress", "invalid MAC address '%s'", c.Network.MACAddress)
		}
		if c.Target.Image == "" {
			add("target.image", "a base image is required for target kind '%s'", c.Target.Kind)
		}
		if c.SharedCode.Tag == "" {
			add("sharedCode.tag", "virtiofs tag is required")
		}
		fallthrough
	case TargetSSH:
		if net.ParseIP(c.Network.Address) == nil {
			add("network.address", "invalid IP address '%s'", c.Network.Address)
		}
		if c.Target.SSH.Host == "" {
			add("target.ssh.host", "ssh host is required")
		}
		if c.Target.SSH.PrivateKeyPath == "" {
			add("target.ssh.privateKeyPath", "ssh private key is required for target kind '%s'", c.Target.Kind)
		}
		if d, err := c.Target.SSH.AwaitTimeout.Duration(); err != nil || d < 0 {
			add("target.ssh.awaitTimeout", "invalid duration '%s'", c.Target.SSH.AwaitTimeout)
		}
	case TargetLocal:
	default:
		add("target.kind", "invalid target kind '%s', must be one of: %s, %s, %s",
			c.Target.Kind, TargetLibvirt, TargetSSH, TargetLocal)
	}

	for _, p := range []struct{ field, value string }{
		{"sharedCode.guestPath", c.SharedCode.GuestPath},
		{"overlay.lower", c.Overlay.Lower},
		{"overlay.upper", c.Overlay.Upper},
		{"overlay.work", c.Overlay.Work},
		{"overlay.mountPoint", c.Overlay.MountPoint},
		{"install.workDir", c.Install.WorkDir},
		{"testData.workDir", c.TestData.WorkDir},
		{"markerDir", c.MarkerDir},
	} {
		if !path.IsAbs(p.value) {
			add(p.field, "must be an absolute path, got '%s'", p.value)
		}
	}

	if c.SharedCode.HostPath == "" {
		add("sharedCode.hostPath", "host path is required")
	}
	if c.Install.Command == "" {
		add("install.command", "install command is required")
	}
	if strings.HasPrefix(c.PrivateSetup.Script, "/") || strings.Contains(c.PrivateSetup.Script, "..") {
		add("privateSetup.script", "must be relative to the shared code, got '%s'", c.PrivateSetup.Script)
	}

	for i, plugin := range c.Install.Plugins {
		if plugin == "" || strings.ContainsFunc(plugin, unicode.IsSpace) {
			add(fmt.Sprintf("install.plugins[%d]", i), "invalid plugin name '%s'", plugin)
		}
	}

	if !lo.Contains(PackageManagers, c.Packages.Manager) {
		add("packages.manager", "unknown package manager '%s', must be one of: %s",
			c.Packages.Manager, strings.Join(PackageManagers, ", "))
	}
	for i, pkg := range c.Packages.Extra {
		if pkg == "" || strings.ContainsFunc(pkg, unicode.IsSpace) {
			add(fmt.Sprintf("packages.extra[%d]", i), "invalid package name '%s'", pkg)
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return errs
}
