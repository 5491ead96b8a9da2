package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// options holds the values of the root command's flags.
type options struct {
	serverURL string
	token     string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "chatcli",
		Short: "Terminal client for go-groupchat",
		Long: `chatcli connects to a go-groupchat server, joins every group the
participant belongs to and reads commands from stdin.

` + usage,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.token == "" {
				return errors.New("a token is required (--token or GROUPCHAT_TOKEN)")
			}

			logger := log.New(cmd.ErrOrStderr(), "[chatcli] ", log.LstdFlags)
			if !opts.verbose {
				logger.SetOutput(io.Discard)
			}
			return run(cmd.Context(), opts, logger, cmd.InOrStdin())
		},
	}

	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.Flags().StringVarP(&opts.serverURL, "server", "s", "http://localhost:8000", "chat server base URL")
	cmd.Flags().StringVarP(&opts.token, "token", "t", os.Getenv("GROUPCHAT_TOKEN"), "identity token (see server -print-token)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log client internals")

	return cmd
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
