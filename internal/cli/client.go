package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/jobrelay/internal/rpc"
	"github.com/ChuLiYu/jobrelay/pkg/types"
)

type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "daemon gRPC address (default: grpc.addr from config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
}

// withClient dials the daemon and runs fn with a bounded context.
func (f *clientFlags) withClient(cmd *cobra.Command, opts *options, fn func(context.Context, *rpc.Client) (*rpc.Response, error)) error {
	addr := f.addr
	if addr == "" {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		addr = dialAddr(cfg.GRPC.Addr)
	}

	client, err := rpc.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	resp, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

// dialAddr turns a listen address such as ":7400" into a dialable one.
func dialAddr(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}

func buildCreateCommand(opts *options) *cobra.Command {
	var flags clientFlags
	var definition, file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Long:  "Create a job from an inline JSON definition or a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(definition, file)
			if err != nil {
				return err
			}
			return flags.withClient(cmd, opts, func(ctx context.Context, c *rpc.Client) (*rpc.Response, error) {
				return c.CreateJob(ctx, def)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&definition, "definition", "d", "", "job definition as inline JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing the job definition")
	cmd.MarkFlagsMutuallyExclusive("definition", "file")
	return cmd
}

func readDefinition(inline, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read definition file: %w", err)
		}
		raw = data
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("definition is not valid JSON")
	}
	return raw, nil
}

func buildAssignCommand(opts *options) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "assign <job-id> <device-scope>",
		Short: "Assign a job to a device scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, opts, func(ctx context.Context, c *rpc.Client) (*rpc.Response, error) {
				return c.AssignJob(ctx, types.JobID(args[0]), args[1])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func buildDeleteCommand(opts *options) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, opts, func(ctx context.Context, c *rpc.Client) (*rpc.Response, error) {
				return c.DeleteJob(ctx, types.JobID(args[0]))
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func buildGetCommand(opts *options) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withClient(cmd, opts, func(ctx context.Context, c *rpc.Client) (*rpc.Response, error) {
				return c.GetJob(ctx, types.JobID(args[0]))
			})
		},
	}
	flags.register(cmd)
	return cmd
}
