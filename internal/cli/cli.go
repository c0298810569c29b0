// ============================================================================
// jobrelay CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the daemon and its gRPC client
//
// Command Structure:
//   jobrelay                       # Root command
//   ├── run                        # Start the daemon (gRPC + HTTP)
//   ├── create                     # Create a job
//   │   └── --definition, --file   # Inline JSON or JSON file
//   ├── assign <id> <scope>        # Assign a job to a device scope
//   ├── delete <id>                # Delete a job
//   ├── get <id>                   # Show a job
//   ├── status                     # Show the effective configuration
//   ├── config init [path]         # Write the default config file
//   └── --config, -c               # Config file (optional, env JOBRELAY_*)
//
// Client commands talk to a running daemon over gRPC (--addr) and print the
// response as JSON. Handler failures of a committed operation are printed
// with the job; they do not make the command fail.
//
// ============================================================================

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/jobrelay/internal/config"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

type options struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "jobrelay",
		Short: "jobrelay: job lifecycle coordinator with ordered handler notifications",
		Long: `jobrelay keeps job records and notifies registered handlers of every
lifecycle transition:
- per-job ordering of create, assign and delete
- durable WAL, snapshot or SQLite storage
- at-least-once redelivery of failed notifications
- gRPC and HTTP APIs, Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildCreateCommand(opts))
	rootCmd.AddCommand(buildAssignCommand(opts))
	rootCmd.AddCommand(buildDeleteCommand(opts))
	rootCmd.AddCommand(buildGetCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func (o *options) load() (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
