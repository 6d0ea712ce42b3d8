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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHKeyPair is an ed25519 key pair written to a test directory.
type SSHKeyPair struct {
	// PrivateKeyPath points to the OpenSSH encoded private key (mode 0600).
	PrivateKeyPath string
	PrivateKey     []byte
	// AuthorizedKey is the public key in authorized_keys format, without
	// the trailing newline.
	AuthorizedKey string
}

// NewSSHKeyPair generates an ed25519 key pair and writes the private key
// under dir.
func NewSSHKeyPair(t *testing.T, dir string) SSHKeyPair {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ed25519 key: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "devvm-test")
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}
	privPEM := pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to convert public key: %v", err)
	}

	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, privPEM, 0o600); err != nil {
		t.Fatalf("failed to write private key %q: %v", path, err)
	}

	return SSHKeyPair{
		PrivateKeyPath: path,
		PrivateKey:     privPEM,
		AuthorizedKey:  strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
	}
}
