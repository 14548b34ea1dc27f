package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/pit/internal/clierr"
	"github.com/antonkrylov/pit/internal/forward"
	"github.com/antonkrylov/pit/internal/mux"
)

func newForwardCmd(root *rootOptions) *cobra.Command {
	var worker int
	var bindHost string
	var streamBuffer string
	cmd := &cobra.Command{
		Use:   "forward <jobNumber> <localPort[:remotePort]>...",
		Short: "Forward ports of a worker to this machine",
		Long: "Listen on local ports and relay every accepted connection to a port of a job worker.\n" +
			"All connections share one connection to the platform. Hit Ctrl-C to stop.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := parseJob(args[0])
			if err != nil {
				return err
			}
			if err := validateWorker(worker); err != nil {
				return err
			}
			mappings, err := forward.ParseMappings(args[1:])
			if err != nil {
				return err
			}
			maxBuffer, err := parseStreamBuffer(streamBuffer)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tun := forward.New(root.dialer(), forward.Options{
				Job:      job,
				Worker:   worker,
				Mappings: mappings,
				BindHost: bindHost,
				Out:      colorWriter{w: root.stdout, c: color.New(color.FgGreen)},
				Err:      colorWriter{w: root.stderr, c: color.New(color.FgYellow)},
				Mux:      mux.Config{MaxStreamBuffer: maxBuffer},
				Logger:   root.logger,
			})
			return tun.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&worker, "worker", "w", 0, "worker index within the job")
	cmd.Flags().StringVar(&bindHost, "bind", "127.0.0.1", "local address the listeners bind to")
	cmd.Flags().StringVar(&streamBuffer, "stream-buffer", "256MiB", "unread bytes one connection may queue before it is reset (0 = unlimited)")
	return cmd
}

// parseStreamBuffer turns a human size into mux.Config.MaxStreamBuffer; "0" disables the cap.
func parseStreamBuffer(v string) (int, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, clierr.Invalid(v, "stream buffer must be a size such as 64MiB")
	}
	if n == 0 {
		return -1, nil
	}
	if n > math.MaxInt32 {
		return 0, clierr.Invalid(v, "stream buffer must be below 2GiB")
	}
	return int(n), nil
}
