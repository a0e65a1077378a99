// Command pgcdc is the Runner's external interface (§6): "pgcdc start
// <config.yaml>" supervises every slot a YAML configuration names,
// logging each event through watcher.LoggingWatcher since the
// generic CLI has no application-specific Watcher of its own to
// register beyond the built-in "noop" one.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pgcdc/event"
	"pgcdc/runner"
	"pgcdc/watcher"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "pgcdc",
		Short:        "supervise PostgreSQL logical-replication CDC slots",
		SilenceUsage: true,
	}
	root.AddCommand(newStartCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newRunGroupCommand())
	return root
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <config.yaml>",
		Short: "start every slot in a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), args[0])
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "parse and validate a configuration file without connecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runner.LoadConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ok: %d slot(s) configured\n", len(cfg.Slots))
			return nil
		},
	}
}

func newRunGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "run-group",
		Short:  "run one worker group in the current process (internal, used by Runner.spawnGroup)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			group, err := cmd.Flags().GetString("group")
			if err != nil {
				return err
			}
			run, err := newRunner(configPath)
			if err != nil {
				return err
			}
			return run.RunGroup(cmd.Context(), group)
		},
	}
	cmd.Flags().String("config", "", "path to config.yaml")
	cmd.Flags().String("group", "", "worker group to run")
	return cmd
}

func runStart(ctx context.Context, configPath string) error {
	run, err := newRunner(configPath)
	if err != nil {
		return err
	}
	return run.Run(ctx)
}

// newRunner builds a Runner whose only registered watcher factory is
// "noop": a pass-through that does nothing but let the LoggingWatcher
// decorator around it observe the stream. Applications with real
// event-handling logic construct their own Runner and Registry in
// their own main rather than going through this generic binary.
func newRunner(configPath string) (*runner.Runner, error) {
	cfg, err := runner.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	reg := runner.NewRegistry()
	reg.Register("noop", func(slotName string, slotCfg runner.SlotConfig) (watcher.Watcher, error) {
		return noopWatcher{}, nil
	})
	return &runner.Runner{
		Config:      cfg,
		Registry:    reg,
		ConfigPath:  configPath,
		LivenessDSN: firstMetadataDSN(cfg),
	}, nil
}

func firstMetadataDSN(cfg *runner.Config) string {
	for _, slot := range cfg.Slots {
		if slot.MetadataDSN != "" {
			return slot.MetadataDSN
		}
	}
	return ""
}

type noopWatcher struct {
	watcher.Base
}

func (noopWatcher) OnEvent(context.Context, event.Event) error { return nil }
