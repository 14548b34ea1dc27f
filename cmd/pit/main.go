package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/pit/internal/cli/config"
	"github.com/antonkrylov/pit/internal/client"
	"github.com/antonkrylov/pit/internal/clierr"
	"github.com/antonkrylov/pit/internal/logging"
	"github.com/antonkrylov/pit/internal/transport"
)

var version = "dev"

type rootOptions struct {
	url         string
	timeout     time.Duration
	configPath  string
	contextName string
	logLevel    string
	debug       bool

	stdout io.Writer
	stderr io.Writer

	logger   *slog.Logger
	conn     *client.Connection
	resolver client.Resolver
}

func (r *rootOptions) prepare() error {
	conn, err := client.ResolveConnection(client.Options{
		URL:         r.url,
		ConfigPath:  r.configPath,
		ContextName: r.contextName,
		Timeout:     r.timeout,
	})
	if err != nil {
		return err
	}
	r.conn = conn
	r.resolver = conn.Resolver(client.TermPrompter{Out: r.stderr}, r.logger)
	r.logger.Debug("resolved connection", "url", conn.BaseURL, "source", conn.Source, "user_file", conn.UserFile)
	return nil
}

func (r *rootOptions) dialer() transport.Dialer {
	return transport.Dialer{
		Resolver: r.resolver,
		Options:  transport.Options{HandshakeTimeout: r.conn.Timeout, Logger: r.logger},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns its exit status. Failures print a single
// "Command failed" line.
func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err != nil && !errors.Is(err, clierr.ErrInterrupted) {
		color.New(color.FgRed).Fprintf(stderr, "Command failed: %s\n", err.Error())
	}
	return clierr.ExitCode(err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	rootCmd := &cobra.Command{
		Use:           "pit",
		Short:         "Run commands on and forward ports of remote pit jobs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	defaultConfig := os.Getenv("PIT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to pit config file (default $HOME/.pit/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", "", "platform base URL (overrides config and "+cliconfig.ConnectFileName+")")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "connection timeout; defaults to config or 15s")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error (default warn, or $"+logging.EnvLogLevel+")")
	rootCmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "log connection and protocol details (same as --log-level=debug)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		opts.logger = logging.New(logging.Options{
			Level:   opts.logLevel,
			Debug:   opts.debug,
			Default: slog.LevelWarn,
			Output:  stderr,
			Prefix:  "pit",
		})
		// connect and doctor work without connectivity info.
		switch cmd.Name() {
		case "connect", "doctor", "help", "completion":
			return nil
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newForwardCmd(opts))
	rootCmd.AddCommand(newLogCmd(opts))
	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	return rootCmd
}

// parseJob accepts a job number as printed by the platform.
func parseJob(arg string) (string, error) {
	job := strings.TrimSpace(arg)
	n, err := strconv.ParseUint(job, 10, 63)
	if err != nil || n == 0 {
		return "", clierr.Invalid(arg, "job number must be a positive integer")
	}
	return job, nil
}

func validateWorker(worker int) error {
	if worker < 0 {
		return clierr.Invalid(strconv.Itoa(worker), "worker index must not be negative")
	}
	return nil
}

// colorWriter paints everything written through it; fatih/color drops the escape codes when
// the output is not a terminal.
type colorWriter struct {
	w io.Writer
	c *color.Color
}

func (cw colorWriter) Write(p []byte) (int, error) {
	if _, err := cw.c.Fprint(cw.w, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
