package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewServeCmd runs the engine behind a line-delimited JSON protocol.
func NewServeCmd(opts *Options) *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve --stdio",
		Short: "Serve analyze, ask and cancel commands as NDJSON over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdio {
				return fmt.Errorf("serve: only the --stdio transport is supported")
			}

			ctx, stop := withSignals(cmd.Context())
			defer stop()

			env, err := prepareRuntimeEnv(ctx, opts, protocolHook{})
			if err != nil {
				return err
			}
			defer env.close()

			env.Logger.Info("starting stdio bridge")
			runner := newStdIORunner(os.Stdin, cmd.OutOrStdout(), env.Analyst, env.Gateway, env.Logger.Named("stdio"))
			return runner.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "Read commands from stdin and write events to stdout")
	return cmd
}
