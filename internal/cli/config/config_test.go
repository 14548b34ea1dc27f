package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsNil(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestYAMLRoundTripAndResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	in := &Config{
		CurrentContext: "lab",
		Contexts: map[string]*Context{
			"lab":  {Server: "https://pit.lab:8443", CAFile: "~/lab-ca.pem", TimeoutSeconds: 5},
			"prod": {Server: "https://pit.example.org"},
		},
	}
	require.NoError(t, in.Save(path))

	out, err := Load(path)
	require.NoError(t, err)
	ctx, name, err := out.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "lab", name)
	assert.Equal(t, "https://pit.lab:8443", ctx.Server)
	assert.Equal(t, 5, ctx.TimeoutSeconds)

	ctx, _, err = out.Resolve("prod")
	require.NoError(t, err)
	assert.Equal(t, "https://pit.example.org", ctx.Server)

	_, _, err = out.Resolve("missing")
	assert.True(t, errors.Is(err, ErrContextNotFound))
}

func TestTOMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `currentContext = "lab"

[contexts.lab]
server = "http://127.0.0.1:7070"
userFile = "/tmp/lab-user.txt"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	ctx, _, err := cfg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7070", ctx.Server)
	assert.Equal(t, "/tmp/lab-user.txt", ctx.UserFile)

	require.NoError(t, cfg.Save(path))
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestNilConfigResolve(t *testing.T) {
	var cfg *Config
	ctx, name, err := cfg.Resolve("x")
	require.NoError(t, err)
	assert.Nil(t, ctx)
	assert.Empty(t, name)
}

func TestParseConnectFile(t *testing.T) {
	cf, err := ParseConnectFile("https://pit.lab\n-----BEGIN CERTIFICATE-----\nAAA\n-----END CERTIFICATE-----\n")
	require.NoError(t, err)
	assert.Equal(t, "https://pit.lab", cf.URL)
	assert.Contains(t, string(cf.CA), "BEGIN CERTIFICATE")

	cf, err = ParseConnectFile("http://localhost:8000\n")
	require.NoError(t, err)
	assert.Nil(t, cf.CA)
	assert.Equal(t, "http://localhost:8000", cf.Format())

	_, err = ParseConnectFile("\n")
	assert.ErrorIs(t, err, ErrMissingURL)
}

func TestUserFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), UserFileName)
	require.NoError(t, (&UserFile{Username: "anna", Token: "t0k"}).Save(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	uf, err := LoadUserFile(path)
	require.NoError(t, err)
	assert.Equal(t, &UserFile{Username: "anna", Token: "t0k"}, uf)
}

func TestFindLegacyFilePrefersWorkingDirectory(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(work)

	_, ok := FindLegacyFile(ConnectFileName)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(home, ConnectFileName), []byte("http://home"), 0o644))
	p, ok := FindLegacyFile(ConnectFileName)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(home, ConnectFileName), p)

	require.NoError(t, os.WriteFile(ConnectFileName, []byte("http://work"), 0o644))
	p, ok = FindLegacyFile(ConnectFileName)
	require.True(t, ok)
	assert.Equal(t, ConnectFileName, p)
}
