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

// Package target defines how shell scripts reach the machine being provisioned.
//
// A Runner executes a script and reports its output. Implementations exist for
// remote machines (internal/util/ssh) and for the local machine (Local), which
// interprets scripts in-process.
package target

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
)

var ErrInvalidScript = errors.New("invalid shell script")

// Runner executes a shell script on a machine.
//
// The script is run by a POSIX shell. execCtx contributes environment
// variables and a command prefix (e.g. sudo) applied to the whole script.
type Runner interface {
	Run(ctx context.Context, execCtx execcontext.Context, script string) (stdout, stderr string, err error)
}

type exitStatuser interface {
	ExitStatus() int
}

type exitCoder interface {
	ExitCode() int
}

// ExitCode extracts the exit status of the command that produced err.
// It returns false when err does not carry one, e.g. on connection failures.
func ExitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}

	// *ssh.ExitError
	var es exitStatuser
	if errors.As(err, &es) {
		return es.ExitStatus(), true
	}

	if status, ok := interp.IsExitStatus(err); ok {
		return int(status), true
	}

	// *exec.ExitError
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode(), true
	}

	return 0, false
}

// ParseScript checks that script is valid POSIX shell.
func ParseScript(name, script string) (*syntax.File, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidScript, name, err)
	}
	return file, nil
}
