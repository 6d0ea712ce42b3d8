//go:build unit

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/devvm/internal/config"
	"github.com/alexandremahdhaoui/devvm/internal/provision"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defer slog.SetDefault(slog.Default())

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// writeLocalConfig writes the configuration of a local target whose markers
// live in a temporary directory.
func writeLocalConfig(t *testing.T) (configPath, markerDir string) {
	t.Helper()

	dir := t.TempDir()
	markerDir = filepath.Join(dir, "markers")
	codeDir := filepath.Join(dir, "code")
	require.NoError(t, os.MkdirAll(markerDir, 0o755))
	require.NoError(t, os.MkdirAll(codeDir, 0o755))

	configPath = filepath.Join(dir, "devvm.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
hostname: x.local
markerDir: %s
swapMB: 0
sharedCode:
  hostPath: %s
install:
  plugins: [a, b]
testData:
  command: make seed
target:
  kind: local
  sudo: false
`, markerDir, codeDir)), 0o600))

	return configPath, markerDir
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "devvm version dev (n/a) n/a\n", out)
}

func TestRender(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		configPath, markerDir := writeLocalConfig(t)

		out, err := execute(t, "render", "--config", configPath)
		require.NoError(t, err)

		assert.Contains(t, out, "# 1. swap:")
		assert.Contains(t, out, `PLUGINS="a b"`)
		assert.Contains(t, out, `DOMAIN="x.local"`)
		assert.Contains(t, out, filepath.Join(markerDir, provision.MarkerInstall))
		assert.NotContains(t, out, "# gate: host")
	})

	t.Run("libvirt never connects", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "devvm.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(`
target:
  kind: libvirt
  libvirtURI: test:///nonexistent
  image: /images/jammy.qcow2
  ssh:
    privateKeyPath: /nonexistent/id_ed25519
`), 0o600))

		out, err := execute(t, "render", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "# 1. network:")
		assert.Contains(t, out, "# 2. machine:")
		assert.Contains(t, out, "# gate: host")

		out, err = execute(t, "render", "--mode", "provision", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "# 1. await-guest:")
		assert.NotContains(t, out, "network:")
	})

	t.Run("invalid mode", func(t *testing.T) {
		configPath, _ := writeLocalConfig(t)

		_, err := execute(t, "render", "--mode", "sideways", "--config", configPath)
		assert.ErrorIs(t, err, errInvalidMode)
	})
}

func TestStatus(t *testing.T) {
	configPath, markerDir := writeLocalConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(markerDir, provision.MarkerInstall), nil, 0o644))

	out, err := execute(t, "status", "--config", configPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "STEP"))

	var install, testData string
	for _, line := range lines {
		switch strings.Fields(line)[0] {
		case provision.StepInstall:
			install = line
		case provision.StepTestData:
			testData = line
		}
	}
	assert.Contains(t, install, string(provision.StatusDone))
	assert.Contains(t, testData, string(provision.StatusPending))

	// checks only
	entries, err := os.ReadDir(markerDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	out, err = execute(t, "status", "--config", configPath, "-o", "json")
	require.NoError(t, err)

	var report struct {
		Steps []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotEmpty(t, report.Steps)
	assert.Equal(t, provision.StepSwap, report.Steps[0].Name)
	assert.Equal(t, string(provision.StatusSkipped), report.Steps[0].Status)

	_, err = execute(t, "status", "--config", configPath, "-o", "yaml")
	assert.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "devvm.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("target:\n  kind: cloud\n"), 0o600))

		_, err := execute(t, "render", "--config", configPath)
		assert.ErrorIs(t, err, errInvalidConfig)
		assert.ErrorContains(t, err, "target.kind")
	})

	t.Run("from the environment", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "devvm.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("memoryMB: -1\n"), 0o600))
		t.Setenv(config.ConfigPathEnvKey, configPath)

		_, err := execute(t, "render")
		assert.ErrorIs(t, err, errInvalidConfig)
		assert.ErrorContains(t, err, "memoryMB")
	})

	t.Run("bad log level", func(t *testing.T) {
		_, err := execute(t, "version", "--log-level", "loud")
		assert.Error(t, err)
	})

	t.Run("destroy needs libvirt", func(t *testing.T) {
		configPath, _ := writeLocalConfig(t)

		_, err := execute(t, "destroy", "--config", configPath)
		assert.ErrorIs(t, err, errDestroyUnsupported)
	})
}
