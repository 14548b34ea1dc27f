package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks the operator for credentials.
type Prompter interface {
	Line(label string) (string, error)
	Password(label string) (string, error)
}

// TermPrompter reads from the controlling terminal when there is one, so prompting keeps working
// while stdin is piped into a remote command.
type TermPrompter struct {
	Out io.Writer
}

func (p TermPrompter) out() io.Writer {
	if p.Out != nil {
		return p.Out
	}
	return os.Stderr
}

func (p TermPrompter) Line(label string) (string, error) {
	in, closeFn := openTTY()
	defer closeFn()
	fmt.Fprint(p.out(), label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p TermPrompter) Password(label string) (string, error) {
	in, closeFn := openTTY()
	defer closeFn()
	fmt.Fprint(p.out(), label)
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out())
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func openTTY() (*os.File, func()) {
	f, err := os.Open("/dev/tty")
	if err != nil {
		return os.Stdin, func() {}
	}
	return f, func() { _ = f.Close() }
}
