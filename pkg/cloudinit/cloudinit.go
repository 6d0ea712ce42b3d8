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

package cloudinit

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"sigs.k8s.io/yaml"
)

var (
	ErrReadPrivateKey  = errors.New("cannot read SSH private key")
	ErrParsePrivateKey = errors.New("cannot parse SSH private key")
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	HomeDir           string   `json:"homedir,omitempty"`
	LockPasswd        *bool    `json:"lock_passwd,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname       string      `json:"hostname"`
	FQDN           string      `json:"fqdn,omitempty"`
	ManageEtcHosts bool        `json:"manage_etc_hosts,omitempty"`
	PackageUpdate  bool        `json:"package_update,omitempty"`
	Packages       []string    `json:"packages,omitempty"`
	Users          []User      `json:"users"`
	WriteFiles     []WriteFile `json:"write_files,omitempty"`
	RunCommands    []string    `json:"runcmd,omitempty"`
}

// NewUserData returns the user-data of a machine called hostname whose only
// account is user, reachable with the given authorized keys. A dotted
// hostname is also set as the machine's FQDN.
func NewUserData(hostname, user string, authorizedKeys ...string) UserData {
	ud := UserData{
		Hostname:       strings.SplitN(hostname, ".", 2)[0],
		ManageEtcHosts: true,
		Users:          []User{NewUserWithAuthorizedKeys(user, authorizedKeys)},
	}
	if strings.Contains(hostname, ".") {
		ud.FQDN = hostname
	}
	return ud
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %w", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData is the NoCloud meta-data document.
type MetaData struct {
	InstanceID    string `json:"instance-id"`
	LocalHostname string `json:"local-hostname"`
}

func (md MetaData) Render() (string, error) {
	b, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("cannot render meta-data: %w", err)
	}
	return string(b), nil
}

// AuthorizedKeyFromPrivateKeyFile derives the authorized_keys line of the
// key pair whose private half is stored at privateKeyPath.
func AuthorizedKeyFromPrivateKeyFile(privateKeyPath string) (string, error) {
	privateKey, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return "", fmt.Errorf("%w at %s: %w", ErrReadPrivateKey, privateKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("%w at %s: %w", ErrParsePrivateKey, privateKeyPath, err)
	}

	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}
