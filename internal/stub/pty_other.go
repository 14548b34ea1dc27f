//go:build windows

package stub

import (
	"errors"
	"os"
	"os/exec"
)

var errNoPTY = errors.New("interactive exec is not supported on this platform")

func startPTY(func() *exec.Cmd, int, int) (*exec.Cmd, *os.File, error) {
	return nil, nil, errNoPTY
}

func setSize(*os.File, int, int) error { return errNoPTY }
