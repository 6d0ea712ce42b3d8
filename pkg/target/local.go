/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package target

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
)

// ExecMiddleware wraps the handler used by Local to start external programs.
type ExecMiddleware = func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc

// Local runs scripts on the current machine with an in-process shell
// interpreter. Builtins run in-process; external programs are started by the
// interpreter's exec handler chain.
type Local struct {
	dir         string
	environ     []string
	middlewares []ExecMiddleware
}

var _ Runner = (*Local)(nil)

// LocalOption configures a Local runner.
type LocalOption func(*Local)

// WithDir sets the working directory scripts start in.
func WithDir(dir string) LocalOption {
	return func(l *Local) {
		l.dir = dir
	}
}

// WithEnviron replaces the base environment (defaults to os.Environ()).
func WithEnviron(environ []string) LocalOption {
	return func(l *Local) {
		l.environ = environ
	}
}

// WithExecMiddlewares installs exec handler middlewares, outermost first.
func WithExecMiddlewares(middlewares ...ExecMiddleware) LocalOption {
	return func(l *Local) {
		l.middlewares = append(l.middlewares, middlewares...)
	}
}

// NewLocal returns a Local runner.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		environ: os.Environ(),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.dir == "" {
		if wd, err := os.Getwd(); err == nil {
			l.dir = wd
		}
	}

	return l
}

// Run implements Runner.
//
// Without a command prefix the script is interpreted directly and the
// environment of execCtx is added to the interpreter's. With a prefix, e.g.
// sudo, the script is handed to `sh -c` behind that prefix.
func (l *Local) Run(
	ctx context.Context,
	execCtx execcontext.Context,
	script string,
) (stdout, stderr string, err error) {
	source := script
	environ := slices.Clone(l.environ)

	if len(execCtx.PrependCmd()) > 0 {
		source = execcontext.FormatCmd(execCtx, "sh", "-c", script)
	} else {
		envs := execCtx.Envs()
		keys := make([]string, 0, len(envs))
		for k := range envs {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			environ = append(environ, fmt.Sprintf("%s=%s", k, envs[k]))
		}
	}

	file, err := ParseScript("script", source)
	if err != nil {
		return "", "", err
	}

	var stdoutBuf, stderrBuf bytes.Buffer

	opts := []interp.RunnerOption{
		interp.Dir(l.dir),
		interp.Env(expand.ListEnviron(environ...)),
		interp.StdIO(nil, &stdoutBuf, &stderrBuf),
	}
	if len(l.middlewares) > 0 {
		opts = append(opts, interp.ExecHandlers(l.middlewares...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return "", "", fmt.Errorf("unable to create shell interpreter: %w", err)
	}

	if err := runner.Run(ctx, file); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("local command failed: %w", err)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}
