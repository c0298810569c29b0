package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/jobrelay/internal/config"
)

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration",
		Long:  "Display the configuration the daemon would start with, after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			showStatus(cmd.OutOrStdout(), opts.configFile, cfg)
			return nil
		},
	}
}

func showStatus(w io.Writer, path string, cfg config.Config) {
	if path == "" {
		path = "(defaults + environment)"
	}

	fmt.Fprintln(w, "jobrelay status")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  config file:      %s\n", path)
	fmt.Fprintf(w, "  log:              %s/%s\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Storage:")
	fmt.Fprintf(w, "  driver:           %s\n", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case config.DriverWAL:
		fmt.Fprintf(w, "  wal:              %s\n", filepath.Clean(cfg.Store.WALPath))
		fmt.Fprintf(w, "  snapshot:         %s\n", filepath.Clean(cfg.Store.SnapshotPath))
		fmt.Fprintf(w, "  sync on append:   %t\n", cfg.Store.SyncOnAppend)
		fmt.Fprintf(w, "  compact every:    %s\n", cfg.Store.CompactInterval)
	case config.DriverSQLite:
		fmt.Fprintf(w, "  database:         %s\n", filepath.Clean(cfg.Store.SQLitePath))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Notifications:")
	fmt.Fprintf(w, "  handler timeout:  %s\n", cfg.Notify.HandlerTimeout)
	fmt.Fprintf(w, "  parallelism:      %d\n", cfg.Notify.Parallelism)
	fmt.Fprintf(w, "  pre-hook policy:  %s\n", cfg.Notify.PreHookPolicy)
	if cfg.Redelivery.Enabled {
		fmt.Fprintf(w, "  redelivery:       %.1f/s, %d attempts, queue %d\n",
			cfg.Redelivery.Rate, cfg.Redelivery.MaxAttempts, cfg.Redelivery.QueueSize)
	} else {
		fmt.Fprintln(w, "  redelivery:       disabled")
	}
	for _, r := range cfg.Routes {
		fmt.Fprintf(w, "  route %-10s  %v\n", r.Name, r.Patterns)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Endpoints:")
	fmt.Fprintf(w, "  grpc:             %s\n", cfg.GRPC.Addr)
	fmt.Fprintf(w, "  http:             %s\n", cfg.HTTP.Addr)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  metrics:          http://%s/metrics\n", dialAddr(cfg.HTTP.Addr))
	} else {
		fmt.Fprintln(w, "  metrics:          disabled")
	}
}

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "configs/jobrelay.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
