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

package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/alessio/shellescape"
)

// Gate decides whether a ShellStep still has to run.
type Gate interface {
	Check(ctx context.Context) (Status, error)
	// Seal returns the shell appended to the step's script. It runs only if
	// everything before it succeeded.
	Seal() string
	String() string
}

// MarkerGate is done once the marker file at path exists on the guest. The
// step creates the marker after its script succeeds.
func MarkerGate(guest Guest, markerPath string) Gate {
	return &markerGate{guest: guest, path: markerPath}
}

type markerGate struct {
	guest Guest
	path  string
}

func (g *markerGate) Check(ctx context.Context) (Status, error) {
	exists, err := g.guest.succeeds(ctx, "test -e "+shellescape.Quote(g.path))
	if err != nil {
		return "", err
	}
	if exists {
		return StatusDone, nil
	}
	return StatusPending, nil
}

func (g *markerGate) Seal() string {
	return fmt.Sprintf("mkdir -p %s\ntouch %s",
		shellescape.Quote(path.Dir(g.path)), shellescape.Quote(g.path))
}

func (g *markerGate) String() string {
	return "marker " + g.path
}

// MountGate is done once a filesystem is mounted at mountPoint on the guest.
func MountGate(guest Guest, mountPoint string) Gate {
	return &mountGate{guest: guest, path: mountPoint}
}

type mountGate struct {
	guest Guest
	path  string
}

func (g *mountGate) Check(ctx context.Context) (Status, error) {
	mounted, err := g.guest.succeeds(ctx, "mountpoint -q "+shellescape.Quote(g.path))
	if err != nil {
		return "", err
	}
	if mounted {
		return StatusDone, nil
	}
	return StatusPending, nil
}

func (g *mountGate) Seal() string { return "" }

func (g *mountGate) String() string {
	return "mount " + g.path
}

// HostFileGate runs the step every time the file at hostPath exists on the
// machine running devvm, and skips it otherwise.
func HostFileGate(hostPath string) Gate {
	return hostFileGate(hostPath)
}

type hostFileGate string

func (g hostFileGate) Check(context.Context) (Status, error) {
	_, err := os.Stat(string(g))
	if errors.Is(err, fs.ErrNotExist) {
		return StatusSkipped, nil
	}
	if err != nil {
		return "", err
	}
	return StatusPending, nil
}

func (g hostFileGate) Seal() string { return "" }

func (g hostFileGate) String() string {
	return "host file " + string(g)
}

// Always runs the step on every provision.
func Always() Gate {
	return alwaysGate{}
}

type alwaysGate struct{}

func (alwaysGate) Check(context.Context) (Status, error) { return StatusPending, nil }
func (alwaysGate) Seal() string                          { return "" }
func (alwaysGate) String() string                        { return "always" }

// Disabled skips the step.
func Disabled(reason string) Gate {
	return disabledGate(reason)
}

type disabledGate string

func (disabledGate) Check(context.Context) (Status, error) { return StatusSkipped, nil }
func (disabledGate) Seal() string                          { return "" }
func (g disabledGate) String() string                      { return "disabled: " + string(g) }
