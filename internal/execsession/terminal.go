package execsession

import (
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	defaultCols = 120
	defaultRows = 30
)

// Terminal is the local end of an exec session: input comes from In, the size from Out.
type Terminal struct {
	In  *os.File
	Out *os.File
}

// StdTerminal is the process' own terminal.
func StdTerminal() Terminal {
	return Terminal{In: os.Stdin, Out: os.Stdout}
}

// Interactive reports whether input comes from a terminal. It decides raw mode and the
// interactive flag sent to the platform.
func (t Terminal) Interactive() bool {
	return t.In != nil && term.IsTerminal(int(t.In.Fd()))
}

// MakeRaw puts the input terminal into raw mode. The returned func restores it and is safe to
// call when input is not a terminal.
func (t Terminal) MakeRaw() (func(), error) {
	if !t.Interactive() {
		return func() {}, nil
	}
	fd := int(t.In.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

// Size returns the output terminal's dimensions, or 120x30 when it has none.
func (t Terminal) Size() (cols, rows int) {
	if t.Out == nil {
		return defaultCols, defaultRows
	}
	fd := int(t.Out.Fd())
	if !term.IsTerminal(fd) {
		return defaultCols, defaultRows
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return defaultCols, defaultRows
	}
	return c, r
}

// TermValue picks the TERM announced to the remote process: the override, else the local TERM,
// else xterm-256color when the local one is missing or useless.
func TermValue(override string) string {
	v := strings.TrimSpace(override)
	if v == "" {
		v = strings.TrimSpace(os.Getenv("TERM"))
	}
	switch strings.ToLower(v) {
	case "", "unknown", "dumb":
		return "xterm-256color"
	}
	return v
}
