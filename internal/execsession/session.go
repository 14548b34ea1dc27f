// Package execsession runs one command on a job worker over the exec channel and relays the
// local terminal to it.
package execsession

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/antonkrylov/pit/internal/clierr"
	"github.com/antonkrylov/pit/internal/transport"
)

// interruptByte is Ctrl-C as it arrives from a terminal in raw mode.
const interruptByte = 0x03

type Options struct {
	Job     string
	Worker  int
	Command []string
	// Interactive asks the platform for a terminal on the far side.
	Interactive bool
	// Term overrides the TERM announced to the remote process.
	Term   string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Size reports the local terminal size; nil means 120x30.
	Size func() (cols, rows int)
	// Resize ticks whenever the local terminal changed size.
	Resize <-chan struct{}
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Size == nil {
		o.Size = func() (int, int) { return defaultCols, defaultRows }
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Endpoint returns the exec endpoint carrying the session's context.
func (o Options) Endpoint(cols, rows int) transport.Endpoint {
	return transport.Endpoint{
		Job:    o.Job,
		Worker: o.Worker,
		Kind:   transport.KindExec,
		Context: Context{
			Command:     o.Command,
			Environment: map[string]string{"TERM": TermValue(o.Term)},
			Interactive: o.Interactive,
			Width:       cols,
			Height:      rows,
		},
	}
}

// Run executes the command and returns when the platform closes the channel (nil), the operator
// interrupts (clierr.ErrInterrupted) or the connection fails (*clierr.ConnectionError).
//
// Local input and resize events are accepted from the start; whatever arrives before the
// connection is open is delivered right after it opened, in order.
func Run(ctx context.Context, d transport.Dialer, opts Options) error {
	opts = opts.withDefaults()
	logger := opts.Logger.With("job", opts.Job, "worker", opts.Worker)

	cols, rows := opts.Size()
	tr := d.New(opts.Endpoint(cols, rows))
	defer tr.Close()

	ob := &outbox{}
	defer ob.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var interrupted atomic.Bool
	errCh := make(chan error, 2)
	onInterrupt := func() {
		interrupted.Store(true)
		errCh <- clierr.ErrInterrupted
		cancel()
	}
	go pumpStdin(runCtx, opts.Stdin, ob, onInterrupt, logger)
	go pumpResize(runCtx, opts.Resize, opts.Size, ob, logger)

	if err := tr.Open(runCtx, d.Resolver); err != nil {
		if interrupted.Load() || ctx.Err() != nil {
			return clierr.ErrInterrupted
		}
		return err
	}
	if err := ob.open(runCtx, tr); err != nil {
		if interrupted.Load() || ctx.Err() != nil {
			return clierr.ErrInterrupted
		}
		return result(err)
	}
	logger.Debug("exec channel open", "command", opts.Command, "interactive", opts.Interactive)

	go relayOutput(tr, opts.Stdout, opts.Stderr, errCh, logger)

	select {
	case <-ctx.Done():
		return clierr.ErrInterrupted
	case err := <-errCh:
		return result(err)
	}
}

func result(err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, clierr.ErrInterrupted):
		return clierr.ErrInterrupted
	default:
		return err
	}
}

// pumpStdin forwards local input as Stdin frames. An interrupt byte ends the invocation; bytes
// before it in the same read are still sent.
func pumpStdin(ctx context.Context, in io.Reader, ob *outbox, onInterrupt func(), logger *slog.Logger) {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			idx := bytes.IndexByte(chunk, interruptByte)
			if idx >= 0 {
				chunk = chunk[:idx]
			}
			if len(chunk) > 0 {
				if err := ob.submit(ctx, StdinFrame(chunk)); err != nil {
					logger.Debug("stdin relay stopped", "err", err)
					return
				}
			}
			if idx >= 0 {
				logger.Debug("interrupt received from terminal")
				onInterrupt()
				return
			}
		}
		if rerr != nil {
			// Non-interactive stdin is often closed right away; the remote command keeps running.
			if !errors.Is(rerr, io.EOF) {
				logger.Debug("stdin read failed", "err", rerr)
			}
			return
		}
	}
}

func pumpResize(ctx context.Context, resize <-chan struct{}, size func() (int, int), ob *outbox, logger *slog.Logger) {
	if resize == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-resize:
			if !ok {
				return
			}
			cols, rows := size()
			if err := ob.submit(ctx, ResizeFrame(cols, rows)); err != nil {
				logger.Debug("resize relay stopped", "err", err)
				return
			}
		}
	}
}

// relayOutput writes Stdout and Stderr payloads verbatim in arrival order until the transport
// ends.
func relayOutput(tr *transport.Transport, stdout, stderr io.Writer, errCh chan<- error, logger *slog.Logger) {
	for {
		msg, err := tr.ReadMessage(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		f, err := DecodeInbound(msg)
		if err != nil {
			logger.Debug("dropping frame", "err", err)
			continue
		}
		var w io.Writer
		switch f.Kind {
		case KindStdout:
			w = stdout
		case KindStderr:
			w = stderr
		default:
			logger.Debug("ignoring frame", "tag", f.Tag, "bytes", len(f.Payload))
			continue
		}
		if _, err := w.Write(f.Payload); err != nil {
			errCh <- err
			return
		}
	}
}
