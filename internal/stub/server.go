// Package stub is a development stand-in for the platform. It serves the exec, forward, log and
// authenticate endpoints the client uses, running commands and reaching ports on the local
// machine.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	ListenAddr string
	// Users maps usernames to passwords accepted by the authenticate endpoint.
	Users map[string]string
	// Tokens are accepted without authenticating first. With no users and no tokens every
	// request is accepted.
	Tokens []string
	// LogDir holds job logs as <job>.log.
	LogDir string
	// ForwardHost is where forwarded streams are dialed. Defaults to 127.0.0.1.
	ForwardHost string
	Version     string
	Logger      *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // token -> username

	httpServer *http.Server
	listener   net.Listener
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8000"
	}
	if cfg.ForwardHost == "" {
		cfg.ForwardHost = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, tokens: make(map[string]string)}
	for _, t := range cfg.Tokens {
		s.tokens[t] = ""
	}
	return s, nil
}

// Handler routes the platform endpoints. Useful with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /users/{name}/authenticate", s.handleAuthenticate)
	mux.Handle("GET /jobs/{job}/log", s.requireToken(http.HandlerFunc(s.handleLog)))
	mux.Handle("GET /jobs/{job}/instances/{worker}/exec", s.requireToken(http.HandlerFunc(s.handleExec)))
	mux.Handle("GET /jobs/{job}/instances/{worker}/forward", s.requireToken(http.HandlerFunc(s.handleForward)))
	return s.logRequests(mux)
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "err", err)
		}
	}()
	s.logger.Info("pit stub listening", "addr", lis.Addr().String(), "version", s.cfg.Version)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) authDisabled() bool {
	return len(s.cfg.Users) == 0 && len(s.cfg.Tokens) == 0
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authDisabled() {
			s.mu.Lock()
			_, ok := s.tokens[r.Header.Get("X-Auth-Token")]
			s.mu.Unlock()
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	want, ok := s.cfg.Users[name]
	if !ok || want != req.Password {
		writeError(w, http.StatusUnauthorized, "wrong username or password")
		return
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = name
	s.mu.Unlock()
	s.logger.Info("user authenticated", "user", name)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
