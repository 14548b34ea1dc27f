package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/pit/internal/clierr"
	cliconfig "github.com/antonkrylov/pit/internal/cli/config"
)

const defaultTimeout = 15 * time.Second

// Options are the raw inputs of ResolveConnection, usually straight from persistent flags.
type Options struct {
	URL         string
	ConfigPath  string
	ContextName string
	Timeout     time.Duration
}

// Connection is the resolved connectivity state of one invocation.
type Connection struct {
	BaseURL     string
	CA          []byte
	Timeout     time.Duration
	UserFile    string
	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context
	// Source names where BaseURL came from (flag, context, connect file, env).
	Source string
}

// ErrNoConnection is returned when no platform URL can be found anywhere.
var ErrNoConnection = errors.New(`unable to find connectivity info about your pit; use "pit connect <URL>" or place a ` +
	cliconfig.ConnectFileName + ` file in your home directory or project root`)

// ResolveConnection applies, in order:
// 1) flags (url, contextName)
// 2) config file context
// 3) legacy .pitconnect.txt (project root, then home)
// 4) environment (PIT_URL)
func ResolveConnection(opts Options) (*Connection, error) {
	conn := &Connection{
		BaseURL:     strings.TrimSpace(opts.URL),
		ConfigPath:  opts.ConfigPath,
		ContextName: opts.ContextName,
		Timeout:     opts.Timeout,
		Source:      "flag",
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}
	if conn.Config != nil {
		ctx, _, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
	}

	if conn.Context != nil {
		if conn.BaseURL == "" {
			conn.BaseURL = strings.TrimSpace(conn.Context.Server)
			conn.Source = "context"
		}
		if conn.Context.CAFile != "" {
			p, err := cliconfig.ExpandPath(conn.Context.CAFile)
			if err != nil {
				return nil, err
			}
			ca, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			conn.CA = ca
		}
		if conn.Context.UserFile != "" {
			p, err := cliconfig.ExpandPath(conn.Context.UserFile)
			if err != nil {
				return nil, err
			}
			conn.UserFile = p
		}
		if conn.Timeout == 0 && conn.Context.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(conn.Context.TimeoutSeconds) * time.Second
		}
	}

	if conn.BaseURL == "" {
		if p, ok := cliconfig.FindLegacyFile(cliconfig.ConnectFileName); ok {
			cf, err := cliconfig.LoadConnectFile(p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			conn.BaseURL = cf.URL
			if len(conn.CA) == 0 {
				conn.CA = cf.CA
			}
			conn.Source = p
		}
	}
	if conn.BaseURL == "" {
		conn.BaseURL = strings.TrimSpace(os.Getenv("PIT_URL"))
		conn.Source = "env"
	}
	if conn.BaseURL == "" {
		return nil, ErrNoConnection
	}
	if _, err := url.Parse(conn.BaseURL); err != nil {
		return nil, clierr.Invalid(conn.BaseURL, "invalid platform URL")
	}

	if conn.UserFile == "" {
		conn.UserFile, _ = cliconfig.FindLegacyFile(cliconfig.UserFileName)
	}
	if conn.Timeout == 0 {
		conn.Timeout = defaultTimeout
	}
	return conn, nil
}

// Resolver returns a FileResolver backed by this connection.
func (c *Connection) Resolver(prompter Prompter, logger *slog.Logger) *FileResolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileResolver{
		BaseURL:  c.BaseURL,
		CA:       c.CA,
		UserFile: c.UserFile,
		Prompter: prompter,
		Logger:   logger,
	}
}

// FileResolver keeps the token in a .pituser.txt style file and refreshes it by asking the
// operator for the password.
type FileResolver struct {
	BaseURL  string
	CA       []byte
	UserFile string
	Prompter Prompter
	Logger   *slog.Logger

	mu       sync.Mutex
	user     *cliconfig.UserFile
	password string
}

func (r *FileResolver) Descriptor(ctx context.Context) (Descriptor, error) {
	r.mu.Lock()
	if r.user == nil {
		if uf, err := cliconfig.LoadUserFile(r.UserFile); err == nil {
			r.user = uf
		} else if !errors.Is(err, os.ErrNotExist) {
			r.mu.Unlock()
			return Descriptor{}, err
		}
	}
	user := r.user
	r.mu.Unlock()

	if user == nil || user.Token == "" {
		r.Logger.Debug("no stored credentials", "user_file", r.UserFile)
		return r.Reauthenticate(ctx)
	}
	return r.descriptor(user.Token), nil
}

func (r *FileResolver) descriptor(token string) Descriptor {
	return Descriptor{BaseURL: r.BaseURL, Token: token, CA: r.CA}
}

type authRequest struct {
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Reauthenticate asks for the password (once per invocation), exchanges it for a token and
// stores the token next to the username.
func (r *FileResolver) Reauthenticate(ctx context.Context) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Prompter == nil {
		return Descriptor{}, fmt.Errorf("%w: %w", clierr.ErrAuthRequired, ErrCannotReauthenticate)
	}
	if r.user == nil || r.user.Username == "" {
		name, err := r.Prompter.Line("Please enter an existing username: ")
		if err != nil {
			return Descriptor{}, err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return Descriptor{}, fmt.Errorf("%w: username is required", clierr.ErrAuthRequired)
		}
		r.user = &cliconfig.UserFile{Username: name}
	}
	if r.password == "" {
		pw, err := r.Prompter.Password("Please enter password: ")
		if err != nil {
			return Descriptor{}, err
		}
		r.password = pw
	}

	token, err := r.authenticate(ctx, r.user.Username, r.password)
	if err != nil {
		return Descriptor{}, err
	}
	r.user.Token = token
	if err := r.user.Save(r.UserFile); err != nil {
		return Descriptor{}, fmt.Errorf("unable to store user info: %w", err)
	}
	r.Logger.Debug("stored refreshed token", "user", r.user.Username, "user_file", r.UserFile)
	return r.descriptor(token), nil
}

func (r *FileResolver) authenticate(ctx context.Context, username, password string) (string, error) {
	d := r.descriptor("")
	hc, err := d.HTTPClient()
	if err != nil {
		return "", err
	}
	body, _ := json.Marshal(authRequest{Password: password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.ResourceURL("users/"+url.PathEscape(username)+"/authenticate"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	r.Logger.Debug("sending", "method", req.Method, "url", req.URL.String())
	resp, err := hc.Do(req)
	if err != nil {
		return "", clierr.Connection("unable to reach pit", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(`%w: unable to authenticate; if user %q is not valid anymore, remove %q and start over`,
			clierr.ErrAuthRequired, username, r.UserFile)
	}
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("problem parsing pit response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token in response", clierr.ErrAuthRequired)
	}
	return out.Token, nil
}
