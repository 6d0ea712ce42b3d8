//go:build unit

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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDir(t *testing.T) {
	dir := PrepareBaseDir(t)

	info, err := os.Stat(dir.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	parent, err := os.Stat(filepath.Dir(dir.Path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), parent.Mode().Perm())

	assert.Equal(t, filepath.Join(dir.Path, "dev.qcow2"), dir.Disk("dev"))
	assert.Equal(t, filepath.Join(dir.Path, "dev-cloud-init.iso"), dir.CloudInitISO("dev"))

	share := dir.Share(t, "code", map[string]string{"host_file.txt": "hello"})
	assert.Equal(t, filepath.Join(dir.Path, "code"), share)
	content, err := os.ReadFile(filepath.Join(share, "host_file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestQemuConfGroup(t *testing.T) {
	for name, tc := range map[string]struct {
		conf string
		want string
	}{
		"unset": {
			conf: "# group = \"root\"\nuser = \"qemu\"\n",
			want: "",
		},
		"quoted": {
			conf: "user = \"libvirt-qemu\"\ngroup = \"kvm\"\n",
			want: "kvm",
		},
		"last wins": {
			conf: "group=\"kvm\"\n  group = libvirt  \n",
			want: "libvirt",
		},
		"other keys": {
			conf: "dynamic_ownership = 1\ngroups = \"x\"\n",
			want: "",
		},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, qemuConfGroup(bufio.NewScanner(strings.NewReader(tc.conf))))
		})
	}
}
