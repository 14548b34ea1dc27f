//go:build !windows

package stub

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// startPTY runs cmd on a fresh pseudo terminal and returns its master side.
func startPTY(newCmd func() *exec.Cmd, cols, rows int) (*exec.Cmd, *os.File, error) {
	cmd := newCmd()
	f, err := startOnPTY(cmd, cols, rows, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms reject Setctty; a pty without controlling terminal still carries the I/O.
		cmd = newCmd()
		f, err = startOnPTY(cmd, cols, rows, false)
	}
	if err != nil {
		return nil, nil, err
	}
	return cmd, f, nil
}

func startOnPTY(cmd *exec.Cmd, cols, rows int, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	_ = setSize(ptyFile, cols, rows)

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	// Ctty names a descriptor in the child; stdin is the tty.
	cmd.SysProcAttr.Ctty = 0

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func setSize(f *os.File, cols, rows int) error {
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	if cols > 0 {
		ws.Cols = uint16(cols)
	}
	if rows > 0 {
		ws.Rows = uint16(rows)
	}
	return pty.Setsize(f, ws)
}
