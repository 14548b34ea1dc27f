package stub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/antonkrylov/pit/internal/mux"
)

const forwardDialTimeout = 5 * time.Second

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With("job", r.PathValue("job"), "worker", r.PathValue("worker"))
	ctx := r.Context()

	conn := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	sess := mux.NewSession(conn, mux.Config{AcceptBacklog: 64, Logger: logger})
	defer sess.Close()

	for {
		st, err := sess.Accept(ctx)
		if err != nil {
			logger.Debug("forward session ended", "err", err, "session_err", sess.Err())
			return
		}
		go s.forwardStream(st, logger)
	}
}

// streamPort extracts the target port from a "{id}-{port}" stream name.
func streamPort(name string) (int, error) {
	_, portStr, ok := strings.Cut(name, "-")
	if !ok {
		return 0, fmt.Errorf("malformed stream name %q", name)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("malformed stream name %q", name)
	}
	return port, nil
}

func (s *Server) forwardStream(st *mux.Stream, logger *slog.Logger) {
	port, err := streamPort(st.Name())
	if err != nil {
		_ = st.Reset(err)
		return
	}
	addr := net.JoinHostPort(s.cfg.ForwardHost, strconv.Itoa(port))
	target, err := net.DialTimeout("tcp", addr, forwardDialTimeout)
	if err != nil {
		logger.Debug("forward dial failed", "stream", st.Name(), "err", err)
		_ = st.Reset(err)
		return
	}
	logger.Debug("forwarding", "stream", st.Name(), "target", addr)

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(target, st)
		if err == nil {
			if cw, ok := target.(*net.TCPConn); ok {
				err = cw.CloseWrite()
			}
		}
		errc <- err
	}()
	go func() {
		_, err := io.Copy(st, target)
		if err == nil {
			err = st.CloseWrite()
		}
		errc <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			_ = st.Reset(err)
			if tc, ok := target.(*net.TCPConn); ok {
				_ = tc.SetLinger(0)
			}
			_ = target.Close()
		}
	}
	_ = st.Close()
	_ = target.Close()
}
