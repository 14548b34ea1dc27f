package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cliconfig "github.com/antonkrylov/pit/internal/cli/config"
	"github.com/antonkrylov/pit/internal/clierr"
	"github.com/antonkrylov/pit/internal/stub"
)

// isolate points every lookup of connectivity files at an empty temporary home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PIT_HOME", filepath.Join(home, ".pit"))
	t.Setenv("PIT_CONFIG", "")
	t.Setenv("PIT_URL", "")
	t.Setenv("PIT_LOG_LEVEL", "")
	t.Chdir(t.TempDir())
	return home
}

func invoke(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func startStub(t *testing.T, cfg stub.Config) string {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := stub.New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestParseJob(t *testing.T) {
	job, err := parseJob(" 1234 ")
	require.NoError(t, err)
	assert.Equal(t, "1234", job)

	for _, arg := range []string{"", "0", "-3", "abc", "12a"} {
		_, err := parseJob(arg)
		var inv *clierr.InvalidArgument
		assert.True(t, errors.As(err, &inv), arg)
	}
	assert.Error(t, validateWorker(-1))
	assert.NoError(t, validateWorker(0))
}

func TestParseStreamBuffer(t *testing.T) {
	n, err := parseStreamBuffer("64MiB")
	require.NoError(t, err)
	assert.Equal(t, 64<<20, n)

	n, err = parseStreamBuffer("0")
	require.NoError(t, err)
	assert.Equal(t, -1, n)

	for _, v := range []string{"lots", "-1", "8GiB"} {
		_, err := parseStreamBuffer(v)
		var inv *clierr.InvalidArgument
		assert.True(t, errors.As(err, &inv), v)
	}
}

func TestMissingConnectivityFails(t *testing.T) {
	isolate(t)
	code, _, stderr := invoke("log", "1234")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Command failed: unable to find connectivity info about your pit")
}

func TestInvalidArgumentsFailBeforeConnecting(t *testing.T) {
	isolate(t)
	code, stdout, stderr := invoke("--url", "http://127.0.0.1:1", "forward", "1234", "80:x")
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Command failed: ")
	assert.Contains(t, stderr, "wrong port pair format")

	code, _, stderr = invoke("--url", "http://127.0.0.1:1", "exec", "job", "--", "true")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "job number must be a positive integer")
}

func TestExecEchoesThroughStub(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("stub runs unix commands")
	}
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, cliconfig.UserFileName), []byte("ann\ntok"), 0o600))
	base := startStub(t, stub.Config{})

	code, stdout, stderr := invoke("--url", base, "exec", "1234", "--interactive=false", "--", "echo", "hi")
	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "hi\n", stdout)
}

func TestExecUnreachableReportsOnce(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, cliconfig.UserFileName), []byte("ann\ntok"), 0o600))
	srv := httptest.NewServer(nil)
	base := srv.URL
	srv.Close()

	code, stdout, stderr := invoke("--url", base, "exec", "1234", "--interactive=false", "--", "true")
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Equal(t, 1, bytes.Count([]byte(stderr), []byte("Command failed: problem opening connection to pit")), stderr)
}

func TestLogPrintsJobLog(t *testing.T) {
	home := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, cliconfig.UserFileName), []byte("ann\ntok"), 0o600))
	logs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(logs, "1234.log"), []byte("step 1\nstep 2\n"), 0o644))
	base := startStub(t, stub.Config{LogDir: logs})

	code, stdout, stderr := invoke("--url", base, "log", "1234")
	assert.Equal(t, 0, code, stderr)
	assert.Equal(t, "step 1\nstep 2\n", stdout)
}

func TestConnectWritesConnectFile(t *testing.T) {
	home := isolate(t)
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), 0o644))

	code, stdout, stderr := invoke("connect", "https://pit.example.com:8443/", "--ca", ca)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Connected to https://pit.example.com:8443")

	cf, err := cliconfig.LoadConnectFile(filepath.Join(home, cliconfig.ConnectFileName))
	require.NoError(t, err)
	assert.Equal(t, "https://pit.example.com:8443", cf.URL)
	assert.Contains(t, string(cf.CA), "BEGIN CERTIFICATE")

	code, _, stderr = invoke("connect", "ftp://nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "expected an http(s) URL")
}

func TestConnectSavesContext(t *testing.T) {
	home := isolate(t)
	cfgPath := filepath.Join(home, "pit.toml")

	code, _, stderr := invoke("--config", cfgPath, "connect", "http://10.0.0.5:8000", "--save-context", "lab")
	require.Equal(t, 0, code, stderr)

	cfg, err := cliconfig.Load(cfgPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "lab", cfg.CurrentContext)
	require.Contains(t, cfg.Contexts, "lab")
	assert.Equal(t, "http://10.0.0.5:8000", cfg.Contexts["lab"].Server)

	code, stdout, _ := invoke("--config", cfgPath, "doctor")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "current_context=lab")
	assert.Contains(t, stdout, "url=http://10.0.0.5:8000 source=context")
}
