//go:build unit

package provision_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/devvm/internal/config"
	"github.com/alexandremahdhaoui/devvm/internal/provision"
	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
)

type fakeNetwork struct {
	reserved []provision.Reservation
}

func (f *fakeNetwork) HasReservation(_ context.Context, r provision.Reservation) (bool, error) {
	for _, got := range f.reserved {
		if got == r {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeNetwork) Reserve(_ context.Context, r provision.Reservation) error {
	f.reserved = append(f.reserved, r)
	return nil
}

type fakeMachine struct {
	running map[string]bool
}

func (f *fakeMachine) IsRunning(_ context.Context, name string) (bool, error) {
	return f.running[name], nil
}

func (f *fakeMachine) Ensure(_ context.Context, cfg config.Config) error {
	f.running[cfg.Name] = true
	return nil
}

type nopRunner struct{}

func (nopRunner) Run(context.Context, execcontext.Context, string) (string, string, error) {
	return "", "", nil
}

func libvirtConfig() config.Config {
	cfg := config.Default()
	cfg.Target.Image = "/images/jammy.qcow2"
	cfg.Target.SSH.PrivateKeyPath = "/keys/id"
	return cfg
}

func stepNames(steps []provision.Step) []string {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name())
	}
	return names
}

func TestPlan_Targets(t *testing.T) {
	all := []string{
		provision.StepNetwork, provision.StepMachine, provision.StepAwaitGuest,
		provision.StepSwap, provision.StepSharedCode, provision.StepOverlay,
		provision.StepInstall, provision.StepPrivateSetup, provision.StepTestData,
		provision.StepRestartServices, provision.StepExtraPackages, provision.StepFinalize,
	}

	tests := []struct {
		name     string
		kind     config.TargetKind
		mode     provision.Mode
		expected []string
	}{
		{name: "libvirt up", kind: config.TargetLibvirt, mode: provision.ModeUp, expected: all},
		{name: "libvirt provision", kind: config.TargetLibvirt, mode: provision.ModeProvision, expected: all[2:]},
		{
			name: "ssh", kind: config.TargetSSH, mode: provision.ModeUp,
			expected: []string{
				provision.StepAwaitGuest, provision.StepSwap, provision.StepOverlay,
				provision.StepInstall, provision.StepPrivateSetup, provision.StepTestData,
				provision.StepRestartServices, provision.StepExtraPackages, provision.StepFinalize,
			},
		},
		{
			name: "local", kind: config.TargetLocal, mode: provision.ModeUp,
			expected: []string{
				provision.StepSwap, provision.StepOverlay,
				provision.StepInstall, provision.StepPrivateSetup, provision.StepTestData,
				provision.StepRestartServices, provision.StepExtraPackages, provision.StepFinalize,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := libvirtConfig()
			cfg.Target.Kind = tt.kind

			steps, err := provision.Plan(cfg, provision.Deps{
				Guest:   provision.Guest{Runner: nopRunner{}, ExecCtx: execcontext.Empty()},
				Network: &fakeNetwork{},
				Machine: &fakeMachine{running: map[string]bool{}},
			}, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, stepNames(steps))
		})
	}
}

func TestPlan_MissingManagers(t *testing.T) {
	_, err := provision.Plan(libvirtConfig(), provision.Deps{
		Guest: provision.Guest{Runner: nopRunner{}, ExecCtx: execcontext.Empty()},
	}, provision.ModeUp)
	assert.ErrorIs(t, err, provision.ErrInvalidPlan)
}

func TestPlan_InvalidScript(t *testing.T) {
	cfg := libvirtConfig()
	cfg.Install.Command = "./install.sh 'unterminated"

	_, err := provision.Plan(cfg, provision.Deps{
		Guest: provision.Guest{Runner: nopRunner{}, ExecCtx: execcontext.Empty()},
	}, provision.ModeProvision)
	require.ErrorIs(t, err, provision.ErrInvalidPlan)
	assert.Contains(t, err.Error(), provision.StepInstall)
}

func TestPlan_UnknownPackageManager(t *testing.T) {
	cfg := libvirtConfig()
	cfg.Packages.Manager = "pacman"

	_, err := provision.Plan(cfg, provision.Deps{
		Guest: provision.Guest{Runner: nopRunner{}, ExecCtx: execcontext.Empty()},
	}, provision.ModeProvision)
	assert.ErrorIs(t, err, provision.ErrUnknownPackageManager)
}

func TestHostSteps(t *testing.T) {
	cfg := libvirtConfig()
	network := &fakeNetwork{}
	machine := &fakeMachine{running: map[string]bool{}}

	steps, err := provision.Plan(cfg, provision.Deps{
		Guest:   provision.Guest{Runner: nopRunner{}, ExecCtx: execcontext.Empty()},
		Network: network,
		Machine: machine,
	}, provision.ModeUp)
	require.NoError(t, err)

	first, err := provision.New(steps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provision.OutcomeRan, outcomes(first)[provision.StepNetwork])
	assert.Equal(t, provision.OutcomeRan, outcomes(first)[provision.StepMachine])
	assert.Equal(t, provision.OutcomeDone, outcomes(first)[provision.StepAwaitGuest])

	require.Len(t, network.reserved, 1)
	assert.Equal(t, provision.Reservation{
		Network:     "devvm",
		MAC:         cfg.Network.MACAddress,
		Hostname:    "devvm.local",
		Address:     "192.168.56.111",
		HostAddress: "192.168.56.1",
		Netmask:     "255.255.255.0",
	}, network.reserved[0])
	assert.True(t, machine.running["devvm"])

	second, err := provision.New(steps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, provision.OutcomeDone, outcomes(second)[provision.StepNetwork])
	assert.Equal(t, provision.OutcomeDone, outcomes(second)[provision.StepMachine])
	assert.Len(t, network.reserved, 1)
}
