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

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/devvm/internal/config"
	"github.com/alexandremahdhaoui/devvm/internal/provision"
	"github.com/alexandremahdhaoui/devvm/internal/reporting"
	"github.com/alexandremahdhaoui/devvm/internal/util/logging"
)

var errDestroyUnsupported = errors.New("only libvirt machines can be destroyed")

type rootOptions struct {
	configPath string
	logLevel   string
	dev        bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   Name,
		Short: "Bring up and provision a development machine",
		Long: `devvm creates a development machine on libvirt, or takes an existing one
over SSH or the local host, and provisions it: swap, read-only shared code
with a writable overlay, the application install and its test data.

Every step is idempotent; running devvm again only does what is missing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}

			log := logging.Setup(logging.Options{
				Development: opts.dev,
				Level:       level,
				Output:      cmd.ErrOrStderr(),
			})
			cmd.SetContext(logr.NewContext(cmd.Context(), log))

			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv(config.ConfigPathEnvKey),
		fmt.Sprintf("path to the machine configuration (env %s)", config.ConfigPathEnvKey))
	flags.StringVar(&opts.logLevel, "log-level", "info", "one of debug, info, warn, error")
	flags.BoolVar(&opts.dev, "dev", false, "human-readable logs")

	root.AddCommand(
		newProvisionCommand(opts, "up", provision.ModeUp,
			"Create the machine if needed, then provision it"),
		newProvisionCommand(opts, "provision", provision.ModeProvision,
			"Provision a machine that is already up"),
		newStatusCommand(opts),
		newRenderCommand(opts),
		newDestroyCommand(opts),
		newVersionCommand(),
	)

	return root
}

// ------------------------------------------------- up / provision ------------------------------------------------- //

func newProvisionCommand(opts *rootOptions, use string, mode provision.Mode, short string) *cobra.Command {
	var (
		output    string
		reportDir string
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := reporting.ParseFormat(output)
			if err != nil {
				return err
			}

			a, err := loadApp(opts.configPath)
			if err != nil {
				return err
			}
			defer runFuncAndLogErr(cmd, a.Close)

			guest, err := a.guest()
			if err != nil {
				return err
			}

			p, reg, err := a.provisioner(mode, guest)
			if err != nil {
				return err
			}

			logr.FromContextOrDiscard(cmd.Context()).V(1).Info("planned steps", "mode", mode, "steps", p.Steps())
			report, runErr := p.Run(cmd.Context())

			reporter := reporting.NewReporter(reportDir)
			errs := []error{runErr, printReport(cmd.OutOrStdout(), reporter, report, format)}
			if reportDir != "" {
				path, err := reporter.WriteReport(report, reporting.FormatJSON)
				if err == nil {
					logr.FromContextOrDiscard(cmd.Context()).V(1).Info("report written", "path", path)
				}
				errs = append(errs, err)
			}

			return errors.Join(append(errs, a.writeMetrics(reg))...)
		},
	}

	addOutputFlag(cmd, &output)
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "also write a JSON report of the run under this directory")

	return cmd
}

// ------------------------------------------------- status --------------------------------------------------------- //

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which steps are done without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := reporting.ParseFormat(output)
			if err != nil {
				return err
			}

			a, err := loadApp(opts.configPath)
			if err != nil {
				return err
			}
			defer runFuncAndLogErr(cmd, a.Close)

			guest, err := a.guest()
			if err != nil {
				return err
			}

			p, _, err := a.provisioner(provision.ModeUp, guest)
			if err != nil {
				return err
			}

			return printReport(cmd.OutOrStdout(), reporting.NewReporter(""), p.Status(cmd.Context()), format)
		},
	}

	addOutputFlag(cmd, &output)

	return cmd
}

// ------------------------------------------------- render --------------------------------------------------------- //

func newRenderCommand(opts *rootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the scripts each step would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts.configPath)
			if err != nil {
				return err
			}
			defer runFuncAndLogErr(cmd, a.Close)

			// Nothing runs, so no runner is needed.
			p, _, err := a.provisioner(provision.Mode(mode), a.guestExecContext())
			if err != nil {
				return err
			}

			printRendered(cmd.OutOrStdout(), p.Render())

			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(provision.ModeUp),
		fmt.Sprintf("steps to render: %s or %s", provision.ModeUp, provision.ModeProvision))

	return cmd
}

// ------------------------------------------------- destroy -------------------------------------------------------- //

func newDestroyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete the machine, its disk and its address reservation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts.configPath)
			if err != nil {
				return err
			}
			defer runFuncAndLogErr(cmd, a.Close)

			if a.libvirt == nil {
				return fmt.Errorf("%w: target kind is %q", errDestroyUnsupported, a.cfg.Target.Kind)
			}

			if err := a.libvirt.Destroy(cmd.Context(), a.cfg); err != nil {
				return err
			}

			logr.FromContextOrDiscard(cmd.Context()).Info("machine destroyed", "name", a.cfg.Name)

			return nil
		},
	}
}

// ------------------------------------------------- version -------------------------------------------------------- //

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		},
	}
}

// ------------------------------------------------- Output --------------------------------------------------------- //

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", string(reporting.FormatText),
		fmt.Sprintf("report format: %s or %s", reporting.FormatText, reporting.FormatJSON))
}

func printReport(w io.Writer, reporter *reporting.Reporter, report provision.Report, format reporting.ReportFormat) error {
	out, err := reporter.GenerateReport(report, format)
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, out)
	return err
}

func printRendered(w io.Writer, rendered []provision.Rendered) {
	for i, r := range rendered {
		_, _ = fmt.Fprintf(w, "# %d. %s: %s\n# gate: %s\n", i+1, r.Name, r.Description, r.Gate)
		if r.Script != "" {
			_, _ = fmt.Fprintln(w, strings.TrimRight(r.Script, "\n"))
		}
		_, _ = fmt.Fprintln(w)
	}
}

func runFuncAndLogErr(cmd *cobra.Command, f func() error) {
	if err := f(); err != nil {
		logr.FromContextOrDiscard(cmd.Context()).Error(err, "closing")
	}
}
