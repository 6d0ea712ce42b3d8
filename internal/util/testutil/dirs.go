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

package testutil

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const qemuConfPath = "/etc/libvirt/qemu.conf"

// BaseDir is a machine base directory the qemu process can read: the disks,
// the cloud-init seeds and the shared code of the test machines.
type BaseDir struct {
	Path string
}

// Disk returns where the copy-on-write disk of the machine called name lives.
func (d BaseDir) Disk(name string) string {
	return filepath.Join(d.Path, name+".qcow2")
}

// CloudInitISO returns where the cloud-init seed of the machine called name
// lives.
func (d BaseDir) CloudInitISO(name string) string {
	return filepath.Join(d.Path, name+"-cloud-init.iso")
}

// Share creates a directory to export to the machines under tag, with the
// given files in it.
func (d BaseDir) Share(t *testing.T, tag string, files map[string]string) string {
	t.Helper()

	dir := filepath.Join(d.Path, tag)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	return dir
}

// PrepareBaseDir creates the base directory of the test machines under a
// fresh t.TempDir().
//
// t.TempDir() is 0700, so every ancestor up to /tmp is opened for traversal
// and the libvirt groups found on the host get an ACL, inherited by the
// disks and seeds created later.
func PrepareBaseDir(t *testing.T) BaseDir {
	t.Helper()

	parent := t.TempDir()
	dir := BaseDir{Path: filepath.Join(parent, "machines")}
	require.NoError(t, os.MkdirAll(dir.Path, 0o755))

	for current := parent; ; current = filepath.Dir(current) {
		if err := os.Chmod(current, 0o755); err != nil {
			t.Logf("cannot open %s for traversal: %v", current, err)
		}
		if current == "/tmp" || current == filepath.Dir(current) {
			break
		}
	}

	for _, group := range libvirtGroups(t) {
		for _, args := range [][]string{
			{"setfacl", "-m", fmt.Sprintf("g:%s:rwx", group), dir.Path},
			{"setfacl", "-d", "-m", fmt.Sprintf("g:%s:rwx", group), dir.Path},
		} {
			if out, err := exec.Command("sudo", args...).CombinedOutput(); err != nil {
				t.Logf("cannot grant %s access to %s: %v: %s", group, dir.Path, err, out)
				break
			}
		}
	}

	return dir
}

// libvirtGroups returns the groups the qemu process may run as that exist on
// this host.
func libvirtGroups(t *testing.T) []string {
	t.Helper()

	var candidates []string
	if f, err := os.Open(qemuConfPath); err == nil {
		if group := qemuConfGroup(bufio.NewScanner(f)); group != "" {
			candidates = append(candidates, group)
		}
		_ = f.Close()
	}
	candidates = append(candidates, "libvirt", "libvirt-qemu", "kvm", "qemu")

	seen := make(map[string]bool, len(candidates))
	groups := make([]string, 0, len(candidates))
	for _, group := range candidates {
		if seen[group] {
			continue
		}
		seen[group] = true
		if exec.Command("getent", "group", group).Run() == nil {
			groups = append(groups, group)
		}
	}

	if len(groups) == 0 {
		t.Log("no libvirt group found, relying on permissions only")
	}

	return groups
}

// qemuConfGroup returns the value of the last uncommented group setting of a
// qemu.conf.
func qemuConfGroup(s *bufio.Scanner) string {
	var group string
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "group" {
			continue
		}
		group = strings.Trim(strings.TrimSpace(value), `"`)
	}

	return group
}
