package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/pit/internal/execsession"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var worker int
	var interactive bool
	var termName string
	cmd := &cobra.Command{
		Use:   "exec <jobNumber> -- <command> [args...]",
		Short: "Run a command on a worker of a job",
		Long: "Run a command on a worker of a job and relay the local terminal to it.\n" +
			"When stdin is a terminal it is switched to raw mode and the remote command gets a terminal too.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := parseJob(args[0])
			if err != nil {
				return err
			}
			if err := validateWorker(worker); err != nil {
				return err
			}
			term := execsession.StdTerminal()
			if !cmd.Flags().Changed("interactive") {
				interactive = term.Interactive()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			restore := func() {}
			if interactive {
				if restore, err = term.MakeRaw(); err != nil {
					return err
				}
			}
			defer restore()

			return execsession.Run(ctx, root.dialer(), execsession.Options{
				Job:         job,
				Worker:      worker,
				Command:     args[1:],
				Interactive: interactive,
				Term:        termName,
				Stdin:       term.In,
				Stdout:      root.stdout,
				Stderr:      root.stderr,
				Size:        term.Size,
				Resize:      execsession.WatchResize(ctx),
				Logger:      root.logger,
			})
		},
	}
	cmd.Flags().IntVarP(&worker, "worker", "w", 0, "worker index within the job")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "request a terminal on the worker (default: when stdin is a terminal)")
	cmd.Flags().StringVar(&termName, "term", "", "TERM announced to the remote command (default: local $TERM or xterm-256color)")
	return cmd
}
