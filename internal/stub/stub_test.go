package stub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/pit/internal/client"
	"github.com/antonkrylov/pit/internal/execsession"
	"github.com/antonkrylov/pit/internal/forward"
	"github.com/antonkrylov/pit/internal/transport"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newStub(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub runs commands through sh")
	}
	cfg.Logger = discard()
	s, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dialer(srv *httptest.Server, token string) transport.Dialer {
	return transport.Dialer{Resolver: client.StaticResolver{D: client.Descriptor{BaseURL: srv.URL, Token: token}}}
}

func runExec(t *testing.T, d transport.Dialer, opts execsession.Options) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	opts.Job, opts.Stdout, opts.Stderr = "j1", &stdout, &stderr
	if opts.Stdin == nil {
		opts.Stdin = strings.NewReader("")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := execsession.Run(ctx, d, opts)
	return stdout.String(), stderr.String(), err
}

func TestExecRelaysStdoutAndStderr(t *testing.T) {
	srv := newStub(t, Config{})
	out, errOut, err := runExec(t, dialer(srv, ""), execsession.Options{
		Command: []string{"sh", "-c", "echo hi; echo oops >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)
	assert.Equal(t, "oops\n", errOut)
}

func TestExecFeedsStdin(t *testing.T) {
	srv := newStub(t, Config{})
	out, _, err := runExec(t, dialer(srv, ""), execsession.Options{
		Command: []string{"head", "-c", "3"},
		Stdin:   strings.NewReader("abcdef"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}

func TestExecPassesTerm(t *testing.T) {
	srv := newStub(t, Config{})
	out, _, err := runExec(t, dialer(srv, ""), execsession.Options{
		Command: []string{"sh", "-c", `printf %s "$TERM"`},
		Term:    "vt100",
	})
	require.NoError(t, err)
	assert.Equal(t, "vt100", out)
}

func TestExecInteractiveRunsOnTerminal(t *testing.T) {
	srv := newStub(t, Config{})
	p, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	_ = p.Close()
	_ = tty.Close()

	out, _, err := runExec(t, dialer(srv, ""), execsession.Options{
		Command:     []string{"sh", "-c", "test -t 0 && stty size"},
		Interactive: true,
		Size:        func() (int, int) { return 100, 40 },
	})
	require.NoError(t, err)
	assert.Contains(t, out, "40 100")
}

func TestExecUnknownCommandReportsOnStderr(t *testing.T) {
	srv := newStub(t, Config{})
	_, errOut, err := runExec(t, dialer(srv, ""), execsession.Options{
		Command: []string{"definitely-not-a-command-pit"},
	})
	require.NoError(t, err)
	assert.Contains(t, errOut, "definitely-not-a-command-pit")
}

func TestExecWithoutCommandIsRejected(t *testing.T) {
	srv := newStub(t, Config{})
	resp, err := http.Get(srv.URL + "/jobs/j1/instances/0/exec")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecRejectedTokenCannotReauthenticate(t *testing.T) {
	srv := newStub(t, Config{Tokens: []string{"good"}})
	_, _, err := runExec(t, dialer(srv, "bad"), execsession.Options{Command: []string{"true"}})
	assert.ErrorIs(t, err, client.ErrCannotReauthenticate)

	out, _, err := runExec(t, dialer(srv, "good"), execsession.Options{Command: []string{"echo", "ok"}})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

type prompter struct {
	mu        sync.Mutex
	passwords int
}

func (p *prompter) Line(string) (string, error) { return "ann", nil }

func (p *prompter) Password(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passwords++
	return "secret", nil
}

func TestExecReauthenticatesWithStoredUser(t *testing.T) {
	srv := newStub(t, Config{Users: map[string]string{"ann": "secret"}})
	userFile := filepath.Join(t.TempDir(), ".pituser.txt")
	require.NoError(t, os.WriteFile(userFile, []byte("ann\nstale-token"), 0o600))

	prompt := &prompter{}
	resolver := &client.FileResolver{BaseURL: srv.URL, UserFile: userFile, Prompter: prompt, Logger: discard()}
	out, _, err := runExec(t, transport.Dialer{Resolver: resolver}, execsession.Options{Command: []string{"echo", "in"}})
	require.NoError(t, err)
	assert.Equal(t, "in\n", out)
	assert.Equal(t, 1, prompt.passwords)

	data, err := os.ReadFile(userFile)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "ann", lines[0])
	assert.NotEqual(t, "stale-token", lines[1])
	assert.NotEmpty(t, lines[1])
}

func TestLogIsStreamedCompressed(t *testing.T) {
	dir := t.TempDir()
	body := strings.Repeat("epoch 1 loss 0.25\n", 500)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "j1.log"), []byte(body), 0o644))
	srv := newStub(t, Config{LogDir: dir})

	svc := client.NewJobService(client.StaticResolver{D: client.Descriptor{BaseURL: srv.URL}}, discard())
	var out bytes.Buffer
	require.NoError(t, svc.StreamLog(context.Background(), "j1", &out))
	assert.Equal(t, body, out.String())

	err := svc.StreamLog(context.Background(), "j2", io.Discard)
	require.Error(t, err)
	assert.Equal(t, "job j2 has no log", err.Error())
}

// syncBuffer collects tunnel diagnostics written from relay goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startTunnel(t *testing.T, d transport.Dialer, remote int, errOut io.Writer) (*forward.Tunnel, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tun := forward.New(d, forward.Options{Job: "j1", Mappings: []forward.Mapping{{Remote: remote}}, Err: errOut})
	done := make(chan error, 1)
	go func() { done <- tun.Run(ctx) }()
	select {
	case <-tun.Ready():
	case err := <-done:
		t.Fatalf("tunnel ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel not ready")
	}
	return tun, cancel, done
}

func TestForwardReachesLocalService(t *testing.T) {
	svc, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer svc.Close()
	go func() {
		for {
			c, err := svc.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	srv := newStub(t, Config{})
	tun, cancel, done := startTunnel(t, dialer(srv, ""), svc.Addr().(*net.TCPAddr).Port, io.Discard)

	c, err := net.Dial("tcp", tun.Addrs()[0].String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(c, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	got := make([]byte, 18)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(got))

	cancel()
	assert.NoError(t, <-done)
}

func TestForwardToClosedPortReportsRemote(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	srv := newStub(t, Config{})
	var errOut syncBuffer
	tun, cancel, done := startTunnel(t, dialer(srv, ""), port, &errOut)

	c, err := net.Dial("tcp", tun.Addrs()[0].String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, _ = io.ReadAll(c)

	assert.Eventually(t, func() bool {
		s := errOut.String()
		return strings.HasPrefix(s, "Remote ") && strings.Contains(s, "connection refused")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-done, forward.ErrAllStreamsFailed))
}

func TestStreamPort(t *testing.T) {
	port, err := streamPort("3-8080")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)

	for _, name := range []string{"3", "3-", "3-http", "3-0", "3-70000"} {
		_, err := streamPort(name)
		assert.Error(t, err, name)
	}
}
