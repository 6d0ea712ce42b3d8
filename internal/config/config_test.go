//go:build unit

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/devvm/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "devvm", cfg.Name)
	assert.Equal(t, "devvm.local", cfg.Hostname)
	assert.Equal(t, "dev", cfg.User)
	assert.Equal(t, 4096, cfg.MemoryMB)
	assert.Equal(t, 2048, cfg.SwapMB)
	assert.Equal(t, "192.168.56.111", cfg.Network.Address)
	assert.Equal(t, "/media/code", cfg.SharedCode.GuestPath)
	assert.Equal(t, "/media/code", cfg.Overlay.Lower)
	assert.Equal(t, "/home/dev/.overlay/upper", cfg.Overlay.Upper)
	assert.Equal(t, "/home/dev/.overlay/work", cfg.Overlay.Work)
	assert.Equal(t, "/home/dev/src", cfg.Overlay.MountPoint)
	assert.Equal(t, "/home/dev/src", cfg.Install.WorkDir)
	assert.Equal(t, "/home/dev/src", cfg.TestData.WorkDir)
	assert.Equal(t, "192.168.56.111", cfg.Target.SSH.Host)
	assert.Equal(t, "dev", cfg.Target.SSH.User)
	assert.Equal(t, config.TargetLibvirt, cfg.Target.Kind)
	assert.True(t, cfg.Target.Sudo)
	assert.Equal(t, "/var/local/app_installed", cfg.MarkerPath("app_installed"))
	assert.Equal(t, config.MACFromName("devvm"), cfg.Network.MACAddress)
}

func TestMACFromName(t *testing.T) {
	a := config.MACFromName("devvm")
	assert.Equal(t, a, config.MACFromName("devvm"), "must be stable")
	assert.NotEqual(t, a, config.MACFromName("other"))
	assert.Regexp(t, `^52:54:00(:[0-9a-f]{2}){3}$`, a)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "devvm.yaml", `
hostname: x.local
user: alice
swapMB: 0
install:
  plugins: [a, b]
target:
  image: images/jammy.qcow2
  sudo: false
  ssh:
    privateKeyPath: /keys/id_ed25519
`)

	cfg, err := config.Load(p)
	require.NoError(t, err)

	assert.Equal(t, "x.local", cfg.Hostname)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, 0, cfg.SwapMB, "an explicit zero must win over the default")
	assert.False(t, cfg.Target.Sudo)
	assert.Equal(t, []string{"a", "b"}, cfg.Install.Plugins)
	// untouched keys keep their defaults
	assert.Equal(t, 4096, cfg.MemoryMB)
	assert.Equal(t, "./install/install.sh", cfg.Install.Command)
	// derived from the loaded user
	assert.Equal(t, "/home/alice/.overlay/upper", cfg.Overlay.Upper)
	assert.Equal(t, "/home/alice/src", cfg.Install.WorkDir)
	assert.Equal(t, "alice", cfg.Target.SSH.User)
	// relative paths resolve against the file's directory
	assert.Equal(t, filepath.Join(dir, "images/jammy.qcow2"), cfg.Target.Image)
	assert.Equal(t, filepath.Dir(dir), cfg.SharedCode.HostPath)
	assert.Equal(t, "/keys/id_ed25519", cfg.Target.SSH.PrivateKeyPath)

	require.NoError(t, cfg.Validate())
}

func TestLoad_TOML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "devvm.toml", `
hostname = "x.local"
memoryMB = 8192

[install]
plugins = ["a", "b"]

[target]
kind = "ssh"

[target.ssh]
host = "10.0.0.5"
privateKeyPath = "/keys/id"
awaitTimeout = "30s"
`)

	cfg, err := config.Load(p)
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.MemoryMB)
	assert.Equal(t, config.TargetSSH, cfg.Target.Kind)
	assert.Equal(t, "10.0.0.5", cfg.Target.SSH.Host)
	assert.Equal(t, "30s", string(cfg.Target.SSH.AwaitTimeout))
	assert.Equal(t, []string{"a", "b"}, cfg.Install.Plugins)
	require.NoError(t, cfg.Validate())
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()

	_, err := config.Load(writeFile(t, dir, "bad.yaml", "memory: 1\n"))
	assert.ErrorIs(t, err, config.ErrParseConfig)

	_, err = config.Load(writeFile(t, dir, "bad.toml", "memory = 1\n"))
	assert.ErrorIs(t, err, config.ErrParseConfig)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, config.ErrReadConfig)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "devvm.yaml", "hostname: from-file.local\n")
	t.Setenv("DEVVM_HOSTNAME", "from-env.local")
	t.Setenv("DEVVM_TARGET_KIND", "local")

	cfg, err := config.Load(p)
	require.NoError(t, err)

	assert.Equal(t, "from-env.local", cfg.Hostname)
	assert.Equal(t, config.TargetLocal, cfg.Target.Kind)
	// local machines see the code in place
	assert.Equal(t, cfg.SharedCode.HostPath, cfg.SharedCode.GuestPath)
	assert.Equal(t, cfg.SharedCode.HostPath, cfg.Overlay.Lower)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Target.Image = "/images/jammy.qcow2"
		cfg.Target.SSH.PrivateKeyPath = "/keys/id"
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		field  string
	}{
		{name: "bad address", mutate: func(c *config.Config) { c.Network.Address = "192.168.56" }, field: "network.address"},
		{name: "bad mac", mutate: func(c *config.Config) { c.Network.MACAddress = "zz" }, field: "network.macAddress"},
		{name: "memory", mutate: func(c *config.Config) { c.MemoryMB = 0 }, field: "memoryMB"},
		{name: "relative marker dir", mutate: func(c *config.Config) { c.MarkerDir = "var/local" }, field: "markerDir"},
		{name: "relative guest path", mutate: func(c *config.Config) { c.SharedCode.GuestPath = "code" }, field: "sharedCode.guestPath"},
		{name: "plugin with space", mutate: func(c *config.Config) { c.Install.Plugins = []string{"a b"} }, field: "install.plugins[0]"},
		{name: "package manager", mutate: func(c *config.Config) { c.Packages.Manager = "pacman" }, field: "packages.manager"},
		{name: "target kind", mutate: func(c *config.Config) { c.Target.Kind = "docker" }, field: "target.kind"},
		{name: "image required", mutate: func(c *config.Config) { c.Target.Image = "" }, field: "target.image"},
		{name: "await timeout", mutate: func(c *config.Config) { c.Target.SSH.AwaitTimeout = "soon" }, field: "target.ssh.awaitTimeout"},
		{name: "private script escapes share", mutate: func(c *config.Config) { c.PrivateSetup.Script = "../x.sh" }, field: "privateSetup.script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs config.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := config.Default()
	cfg.MemoryMB = -1
	cfg.Packages.Manager = ""

	var verrs config.ValidationErrors
	require.True(t, errors.As(cfg.Validate(), &verrs))
	// memory, package manager, image and private key
	assert.Len(t, verrs, 4)
}

func TestValidate_LocalNeedsNoMachine(t *testing.T) {
	cfg := config.Default()
	cfg.Target.Kind = config.TargetLocal
	cfg.SharedCode.HostPath = "/src/app"
	cfg.SharedCode.GuestPath = "/src/app"

	assert.NoError(t, cfg.Validate())
}
