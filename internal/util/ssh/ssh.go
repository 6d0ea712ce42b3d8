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

// Package ssh runs provisioning scripts on a remote machine over SSH.
package ssh

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrConnect       = errors.New("unable to connect to ssh server")
	ErrRemoteCommand = errors.New("remote command failed")
)

const defaultDialTimeout = 10 * time.Second

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	hostKeyCallback := c.HostKeyCallback
	if hostKeyCallback == nil {
		// Dev machines are recreated often and get a fresh host key each time.
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
