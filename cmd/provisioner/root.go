/*
Copyright 2025 The llm-d Authors

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

package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/controller"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	v           *viper.Viper
	verbosity   int
	development bool

	// current is swapped on config file reloads.
	current atomic.Pointer[config.ControllerConfig]
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.NewViper()}

	cmd := &cobra.Command{
		Use:           "edge-provisioner",
		Short:         "Places inference workloads on edge nodes from observed demand",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.InitLogging(opts.development, opts.verbosity)
			if cmd.Name() == "version" {
				return nil
			}
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return opts.load(file)
		},
	}
	fs := cmd.PersistentFlags()
	fs.IntVarP(&opts.verbosity, "verbosity", "v", 0, "Log verbosity; 4 enables debug and 5 trace output")
	fs.BoolVar(&opts.development, "development", false, "Human-readable development logging")
	if err := config.BindFlags(fs, opts.v); err != nil {
		panic(err)
	}

	cmd.AddCommand(newRunCommand(opts), newServeCommand(opts), newVersionCommand())
	return cmd
}

func (o *rootOptions) load(file string) error {
	cfg, err := config.Load(o.v, file)
	if err != nil {
		ctrl.Log.Error(err, "Invalid configuration")
		return err
	}
	o.current.Store(cfg)
	if o.v.ConfigFileUsed() != "" {
		config.Watch(o.v, func(c *config.ControllerConfig) { o.current.Store(c) })
	}
	return nil
}

func (o *rootOptions) config() *config.ControllerConfig {
	return o.current.Load()
}

func (o *rootOptions) thresholds() controller.Thresholds {
	cfg := o.config()
	return controller.Thresholds{Staleness: cfg.Staleness, UsageThreshold: cfg.UsageThreshold}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the provisioning loop once, or every --interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := ctrl.LoggerInto(ctrl.SetupSignalHandler(), ctrl.Log.WithName("provisioner"))
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.runLoop(ctx)
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var withLoop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the routing and control endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := ctrl.LoggerInto(ctrl.SetupSignalHandler(), ctrl.Log.WithName("provisioner"))
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.server.Start(ctx, opts.config().Server.Addr)
			})
			if withLoop {
				g.Go(func() error {
					return a.runLoop(ctx)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withLoop, "with-loop", false, "Also run the provisioning loop in this process")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edge-provisioner %s (%s)\n", version, runtime.Version())
		},
	}
}

// runLoop runs the control loop with the interval from the current
// configuration. A single-shot run returns the cycle's error.
func (a *app) runLoop(ctx context.Context) error {
	return controller.Run(ctx, a.controller, a.opts.config().Interval)
}
