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
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/alexandremahdhaoui/devvm/internal/config"
	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
)

const (
	StepNetwork         = "network"
	StepMachine         = "machine"
	StepAwaitGuest      = "await-guest"
	StepSwap            = "swap"
	StepSharedCode      = "shared-code"
	StepOverlay         = "overlay"
	StepInstall         = "install"
	StepPrivateSetup    = "private-setup"
	StepTestData        = "test-data"
	StepRestartServices = "restart-services"
	StepExtraPackages   = "extra-packages"
	StepFinalize        = "finalize"
)

// Marker file names, relative to config.Config.MarkerDir.
const (
	MarkerSwap          = "swap_configured"
	MarkerInstall       = "app_installed"
	MarkerTestData      = "test_data_injected"
	MarkerExtraPackages = "extra_packages_installed"
)

// SwapFile is the path of the swap file on the guest.
const SwapFile = "/swapfile"

var q = shellescape.Quote

// SwapStep creates, enables and persists a swap file of cfg.SwapMB.
func SwapStep(cfg config.Config, guest Guest) *ShellStep {
	desc := fmt.Sprintf("configure %dMB of swap", cfg.SwapMB)

	var gate Gate = MarkerGate(guest, cfg.MarkerPath(MarkerSwap))
	if cfg.SwapMB == 0 {
		gate = Disabled("swapMB is 0")
	}

	return NewShellStep(StepSwap, desc, guest, gate,
		fmt.Sprintf("[ -f %[1]s ] || { fallocate -l %[2]dM %[1]s; chmod 600 %[1]s; mkswap %[1]s; }",
			q(SwapFile), cfg.SwapMB),
		fmt.Sprintf("swapon --show=NAME --noheadings | grep -qx %[1]s || swapon %[1]s", q(SwapFile)),
		fmt.Sprintf("grep -q %s /etc/fstab || echo %s >> /etc/fstab",
			q("^"+SwapFile+" "), q(SwapFile+" none swap sw 0 0")),
	)
}

// SharedCodeStep mounts the virtiofs share carrying the host code, read-only.
func SharedCodeStep(cfg config.Config, guest Guest) *ShellStep {
	guestPath := cfg.SharedCode.GuestPath
	desc := fmt.Sprintf("mount %s read-only at %s", cfg.SharedCode.HostPath, guestPath)

	return NewShellStep(StepSharedCode, desc, guest, MountGate(guest, guestPath),
		"mkdir -p "+q(guestPath),
		fmt.Sprintf("mount -t virtiofs -o ro %s %s", q(cfg.SharedCode.Tag), q(guestPath)),
	)
}

// OverlayStep makes the shared code writable at the overlay mount point.
// Directories are created when absent and handed to the user when they are
// not already theirs, so a run cut short between the two is finished later.
func OverlayStep(cfg config.Config, guest Guest) *ShellStep {
	o := cfg.Overlay
	desc := fmt.Sprintf("mount overlay of %s at %s", o.Lower, o.MountPoint)
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", o.Lower, o.Upper, o.Work)

	return NewShellStep(StepOverlay, desc, guest, MountGate(guest, o.MountPoint),
		ensureDir(o.MountPoint, cfg.User),
		ensureDir(o.Upper, cfg.User),
		ensureDir(o.Work, cfg.User),
		fmt.Sprintf("mount -t overlay overlay -o %s %s", q(options), q(o.MountPoint)),
	)
}

func ensureDir(dir, owner string) string {
	return fmt.Sprintf("[ -d %[1]s ] || mkdir -p %[1]s\n[ \"$(stat -c %%U %[1]s)\" = %[2]s ] || chown %[3]s %[1]s",
		q(dir), q(owner), q(owner+":"))
}

// InstallStep runs the application install command once, with the plugin
// list in PLUGINS and the hostname in DOMAIN.
func InstallStep(cfg config.Config, guest Guest) *ShellStep {
	desc := "install the application"
	if len(cfg.Install.Plugins) > 0 {
		desc = fmt.Sprintf("install the application with plugins %s", strings.Join(cfg.Install.Plugins, ", "))
	}

	return NewShellStep(StepInstall, desc, guest, MarkerGate(guest, cfg.MarkerPath(MarkerInstall)),
		"cd "+q(cfg.Install.WorkDir),
		execcontext.FormatLine(InstallEnvs(cfg), cfg.Install.Command),
	)
}

// InstallEnvs returns the environment the install command expects.
func InstallEnvs(cfg config.Config) execcontext.Context {
	return execcontext.New(map[string]string{
		"PLUGINS": strings.Join(cfg.Install.Plugins, " "),
		"DOMAIN":  cfg.Hostname,
	}, nil)
}

// PrivateSetupStep runs the optional private setup script with the user name
// as its only argument, on every provision where the script exists on the
// host.
func PrivateSetupStep(cfg config.Config, guest Guest) *ShellStep {
	hostPath := filepath.Join(cfg.SharedCode.HostPath, filepath.FromSlash(cfg.PrivateSetup.Script))
	guestPath := path.Join(cfg.SharedCode.GuestPath, cfg.PrivateSetup.Script)

	var gate Gate = HostFileGate(hostPath)
	if cfg.PrivateSetup.Script == "" {
		gate = Disabled("no private setup script")
	}

	return NewShellStep(StepPrivateSetup, "run private setup "+cfg.PrivateSetup.Script, guest, gate,
		fmt.Sprintf("bash %s %s", q(guestPath), q(cfg.User)),
	)
}

// TestDataStep seeds the application with test data once, as the user.
func TestDataStep(cfg config.Config, guest Guest) *ShellStep {
	var gate Gate = MarkerGate(guest, cfg.MarkerPath(MarkerTestData))
	if cfg.TestData.Command == "" {
		gate = Disabled("no test data command")
	}

	return NewShellStep(StepTestData, "inject test data", guest, gate,
		asUser(cfg, cfg.TestData.WorkDir, cfg.TestData.Command),
	)
}

// RestartServicesStep stops then starts the application services on every
// provision. Services fail to bind their ports after test data is injected
// until they are restarted; the cause is unknown.
func RestartServicesStep(cfg config.Config, guest Guest) *ShellStep {
	var (
		gate  Gate = Always()
		lines []string
	)

	if cfg.Services.Stop != "" {
		lines = append(lines, cfg.Services.Stop)
	}
	if cfg.Services.Start != "" {
		lines = append(lines, cfg.Services.Start)
	}
	if len(lines) == 0 {
		gate = Disabled("no service commands")
	}

	return NewShellStep(StepRestartServices, "restart application services", guest, gate, lines...)
}

// ExtraPackagesStep installs cfg.Packages.Extra once.
func ExtraPackagesStep(cfg config.Config, guest Guest) (*ShellStep, error) {
	manager, err := lookupPackageManager(cfg.Packages.Manager)
	if err != nil {
		return nil, err
	}

	var gate Gate = MarkerGate(guest, cfg.MarkerPath(MarkerExtraPackages))
	if len(cfg.Packages.Extra) == 0 {
		gate = Disabled("no extra packages")
	}

	desc := fmt.Sprintf("install extra packages with %s", manager.name)

	return NewShellStep(StepExtraPackages, desc, guest, gate, manager.installLines(cfg.Packages.Extra)...), nil
}

// FinalizeStep runs the finalize command on every provision.
func FinalizeStep(cfg config.Config, guest Guest) *ShellStep {
	if cfg.Install.FinalizeCommand == "" {
		return NewShellStep(StepFinalize, "finalize", guest, Disabled("no finalize command"))
	}

	domain := execcontext.New(map[string]string{"DOMAIN": cfg.Hostname}, nil)

	return NewShellStep(StepFinalize, "finalize", guest, Always(),
		"cd "+q(cfg.Install.WorkDir),
		execcontext.FormatLine(domain, cfg.Install.FinalizeCommand),
	)
}

// asUser runs command from dir as cfg.User. Without sudo the scripts already
// run as the connecting user.
func asUser(cfg config.Config, dir, command string) string {
	inner := fmt.Sprintf("cd %s && %s", q(dir), command)
	if !cfg.Target.Sudo {
		return inner
	}
	return fmt.Sprintf("sudo -u %s -H sh -c %s", q(cfg.User), q(inner))
}
