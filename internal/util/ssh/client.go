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

package ssh

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/devvm/pkg/target"
)

var _ target.Runner = (*Client)(nil)

// Client implements target.Runner for a machine reachable over SSH.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout defaults to 10s.
	DialTimeout time.Duration
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
		},
		nil
}

// Addr returns the host:port the client dials.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Run implements target.Runner. The script is sent to `sh -c` on the remote
// machine, behind the prefix and environment of execCtx.
func (c *Client) Run(
	ctx context.Context,
	execCtx execcontext.Context,
	script string,
) (stdout, stderr string, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	// Closing the connection unblocks session.Run when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := session.Run(execcontext.FormatCmd(execCtx, "sh", "-c", script)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("%w: %w", ErrRemoteCommand, err)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := c.Addr()
	dialer := net.Dialer{Timeout: config.Timeout}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}

	// The handshake is bounded by the dial timeout as well.
	_ = netConn.SetDeadline(time.Now().Add(config.Timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}

	_ = netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
