package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/alexandremahdhaoui/devvm/pkg/execcontext"
)

var ErrUnknownPackageManager = errors.New("unknown package manager")

type packageManager struct {
	name    string
	install string
	update  string
	envs    map[string]string
}

var packageManagers = map[string]packageManager{
	"apt": {
		name:    "apt",
		install: "apt-get install -y",
		update:  "apt-get update -y",
		envs:    map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	},
	"yum":    {name: "yum", install: "yum install -y"},
	"dnf":    {name: "dnf", install: "dnf install -y"},
	"zypper": {name: "zypper", install: "zypper -n install", update: "zypper -n refresh"},
}

func lookupPackageManager(name string) (packageManager, error) {
	m, ok := packageManagers[name]
	if !ok {
		return packageManager{}, fmt.Errorf("%w: %q", ErrUnknownPackageManager, name)
	}
	return m, nil
}

func (m packageManager) installLines(packages []string) []string {
	if len(packages) == 0 {
		return nil
	}

	ctx := execcontext.New(m.envs, nil)
	quoted := lo.Map(packages, func(p string, _ int) string { return q(p) })

	var lines []string
	if m.update != "" {
		lines = append(lines, execcontext.FormatLine(ctx, m.update))
	}

	return append(lines, execcontext.FormatLine(ctx, m.install+" "+strings.Join(quoted, " ")))
}
