package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antonkrylov/pit/internal/logging"
	"github.com/antonkrylov/pit/internal/stub"
)

var version = "dev"

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var listen string
	var logDir string
	var forwardHost string
	var logLevel string
	var verbose bool
	var users listFlag
	var tokens listFlag

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "pit-stub (%s)\n\n", version)
		fmt.Fprintf(out, "Serves the pit exec, forward, log and authenticate endpoints on this machine.\n\n")
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.StringVar(&listen, "listen", "127.0.0.1:8000", "listen address")
	flag.StringVar(&logDir, "log-dir", "", "directory holding <job>.log files served by the log endpoint")
	flag.StringVar(&forwardHost, "forward-host", "127.0.0.1", "host forwarded streams are dialed on")
	flag.Var(&users, "user", "accepted credentials name:password (repeatable); enables token checks")
	flag.Var(&tokens, "token", "token accepted without authenticating (repeatable); enables token checks")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as -log-level=debug)")
	flag.Parse()

	logger := logging.New(logging.Options{
		Level:      logLevel,
		Debug:      verbose,
		Default:    slog.LevelInfo,
		Prefix:     "pit-stub",
		Timestamps: true,
	})

	userMap := make(map[string]string, len(users))
	for _, u := range users {
		name, password, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			log.Fatalf("invalid -user %q (expected name:password)", u)
		}
		userMap[name] = password
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := stub.New(stub.Config{
		ListenAddr:  listen,
		Users:       userMap,
		Tokens:      tokens,
		LogDir:      logDir,
		ForwardHost: forwardHost,
		Version:     version,
		Logger:      logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	<-ctx.Done()
	srv.Stop()
}
