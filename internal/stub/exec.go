package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/antonkrylov/pit/internal/execsession"
)

// process is a running exec command. Interactive ones share one pty for input and output.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	pty    *os.File
}

func startProcess(ctx context.Context, ec execsession.Context) (*process, error) {
	newCmd := func() *exec.Cmd {
		cmd := exec.CommandContext(ctx, ec.Command[0], ec.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range ec.Environment {
			if v != "" {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return cmd
	}
	if ec.Interactive {
		cmd, f, err := startPTY(newCmd, ec.Width, ec.Height)
		if err != nil {
			return nil, err
		}
		return &process{cmd: cmd, stdin: f, stdout: f, pty: f}, nil
	}

	cmd := newCmd()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *process) resize(cols, rows int) error {
	if p.pty == nil {
		return nil
	}
	return setSize(p.pty, cols, rows)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var ec execsession.Context
	if err := json.Unmarshal([]byte(r.URL.Query().Get("context")), &ec); err != nil || len(ec.Command) == 0 {
		writeError(w, http.StatusBadRequest, "context with a command is required")
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With("job", r.PathValue("job"), "worker", r.PathValue("worker"), "command", ec.Command)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := startProcess(ctx, ec)
	if err != nil {
		logger.Info("exec failed", "err", err)
		if msg, encErr := execsession.EncodeInbound(execsession.Frame{Kind: execsession.KindStderr, Payload: []byte(err.Error() + "\n")}); encErr == nil {
			_ = c.Write(ctx, websocket.MessageBinary, msg)
		}
		_ = c.Close(websocket.StatusNormalClosure, "exec failed")
		return
	}
	logger.Info("exec started", "pid", proc.cmd.Process.Pid, "interactive", ec.Interactive)

	go s.pumpInput(ctx, cancel, c, proc, logger)

	var g errgroup.Group
	g.Go(func() error { return pumpOutput(ctx, c, proc.stdout, execsession.KindStdout) })
	if proc.stderr != nil {
		g.Go(func() error { return pumpOutput(ctx, c, proc.stderr, execsession.KindStderr) })
	}
	outErr := g.Wait()
	waitErr := proc.cmd.Wait()
	if proc.pty != nil {
		_ = proc.pty.Close()
	}

	reason := "exit status 0"
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		reason = ee.Error()
	}
	logger.Info("exec finished", "status", reason, "output_err", outErr)
	_ = c.Close(websocket.StatusNormalClosure, reason)
}

// pumpInput feeds Stdin frames to the process and applies window-resize controls. The client
// going away kills the process.
func (s *Server) pumpInput(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, proc *process, logger *slog.Logger) {
	defer cancel()
	if proc.pty == nil {
		defer proc.stdin.Close()
	}
	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			return
		}
		f, err := execsession.DecodeOutbound(msg)
		if err != nil {
			logger.Debug("bad frame", "err", err)
			continue
		}
		switch f.Kind {
		case execsession.KindStdin:
			if _, err := proc.stdin.Write(f.Payload); err != nil {
				logger.Debug("stdin closed", "err", err)
			}
		case execsession.KindControl:
			m, err := execsession.ParseControl(f.Payload)
			if err != nil {
				logger.Debug("bad control message", "err", err)
				continue
			}
			if cols, rows, ok := m.Size(); ok {
				if err := proc.resize(cols, rows); err != nil {
					logger.Debug("resize failed", "err", err)
				}
			}
		default:
			logger.Debug("ignoring frame", "tag", f.Tag)
		}
	}
}

func pumpOutput(ctx context.Context, c *websocket.Conn, r io.Reader, kind execsession.Kind) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			msg, err := execsession.EncodeInbound(execsession.Frame{Kind: kind, Payload: buf[:n]})
			if err != nil {
				return err
			}
			if err := c.Write(ctx, websocket.MessageBinary, msg); err != nil {
				return err
			}
		}
		if rerr != nil {
			// Linux reports EIO on the pty master once the child side is gone.
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, syscall.EIO) || errors.Is(rerr, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", kind, rerr)
		}
	}
}
