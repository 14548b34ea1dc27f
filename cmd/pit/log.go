package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/pit/internal/client"
)

func newLogCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <jobNumber>",
		Short: "Print the log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := parseJob(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.NewJobService(root.resolver, root.logger).StreamLog(ctx, job, root.stdout)
		},
	}
}
