// Package transport opens the one persistent duplex connection each exec or forward invocation
// runs on. A Transport moves Connecting → Open → Closed exactly once and is never reused.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/antonkrylov/pit/internal/client"
	"github.com/antonkrylov/pit/internal/clierr"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultReadLimit        = 32 << 20
)

// ErrClosed is returned by operations on a transport that already reached StateClosed.
var ErrClosed = errors.New("transport closed")

type Options struct {
	// HandshakeTimeout bounds the connection attempt including the HTTP upgrade.
	HandshakeTimeout time.Duration
	// ReadLimit caps a single inbound websocket message.
	ReadLimit int64
	Logger    *slog.Logger
}

// Transport is one websocket connection to an Endpoint.
type Transport struct {
	endpoint Endpoint
	opts     Options
	logger   *slog.Logger

	state atomic.Int32
	conn  *websocket.Conn
	// ctx lives as long as the connection and bounds the byte-stream adapter.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    error
}

// New returns a transport in StateConnecting. Call Open to connect.
func New(endpoint Endpoint, opts Options) *Transport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		endpoint: endpoint,
		opts:     opts,
		logger:   opts.Logger.With("endpoint", endpoint.String()),
		done:     make(chan struct{}),
	}
}

// Dial is New followed by Open.
func Dial(ctx context.Context, resolver client.Resolver, endpoint Endpoint, opts Options) (*Transport, error) {
	t := New(endpoint, opts)
	if err := t.Open(ctx, resolver); err != nil {
		return nil, err
	}
	return t, nil
}

// Open performs the single connection attempt. A 401 answer to the upgrade request triggers one
// re-authentication through the resolver and one more attempt; every other failure is returned
// as a ConnectionError and moves the transport to StateClosed.
func (t *Transport) Open(ctx context.Context, resolver client.Resolver) error {
	if t.State() != StateConnecting {
		return ErrClosed
	}
	d, err := resolver.Descriptor(ctx)
	if err != nil {
		t.finish(err)
		return err
	}
	conn, status, err := t.dial(ctx, d)
	if status == http.StatusUnauthorized {
		t.logger.Debug("upgrade unauthorized; re-authenticating")
		d, err = resolver.Reauthenticate(ctx)
		if err != nil {
			t.finish(err)
			return err
		}
		conn, status, err = t.dial(ctx, d)
		if status == http.StatusUnauthorized {
			err = clierr.ErrAuthRequired
		}
	}
	if err != nil {
		err = clierr.Connection("problem opening connection to pit", err)
		t.finish(err)
		return err
	}
	conn.SetReadLimit(t.opts.ReadLimit)

	t.mu.Lock()
	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()
	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	t.logger.Debug("transport open")
	return nil
}

// Dialer binds a resolver and options so callers only name the endpoint.
type Dialer struct {
	Resolver client.Resolver
	Options  Options
}

// New returns an unopened transport configured with the dialer's options.
func (d Dialer) New(endpoint Endpoint) *Transport { return New(endpoint, d.Options) }

func (d Dialer) Dial(ctx context.Context, endpoint Endpoint) (*Transport, error) {
	return Dial(ctx, d.Resolver, endpoint, d.Options)
}

func (t *Transport) dial(ctx context.Context, d client.Descriptor) (*websocket.Conn, int, error) {
	target, err := t.endpoint.URL(d.BaseURL)
	if err != nil {
		return nil, 0, err
	}
	hc, err := d.HTTPClient()
	if err != nil {
		return nil, 0, err
	}
	header := http.Header{}
	header.Set("X-Auth-Token", d.Token)
	header.Set("X-Request-Id", uuid.NewString())

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()
	t.logger.Debug("dialing", "url", target, "request_id", header.Get("X-Request-Id"))
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: hc,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, responseStatus(resp), formatDialError(resp, err)
	}
	return conn, 0, nil
}

func responseStatus(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func formatDialError(resp *http.Response, err error) error {
	if resp == nil {
		return err
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	return fmt.Errorf("upgrade failed (%s): %w", resp.Status, err)
}

func (t *Transport) State() State { return State(t.state.Load()) }

// Done is closed once the transport reached StateClosed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err is the close reason: nil for a clean close by either side.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// ReadMessage returns the next binary message. A clean remote close is reported as io.EOF.
func (t *Transport) ReadMessage(ctx context.Context) ([]byte, error) {
	conn, err := t.openConn()
	if err != nil {
		return nil, err
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, t.fail(err)
	}
	return data, nil
}

// WriteMessage sends one binary message. Messages are delivered in call order.
func (t *Transport) WriteMessage(ctx context.Context, data []byte) error {
	conn, err := t.openConn()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return t.fail(err)
	}
	return nil
}

// Stream exposes the connection as one continuous byte stream; websocket message boundaries
// carry no meaning on it.
func (t *Transport) Stream() (net.Conn, error) {
	conn, err := t.openConn()
	if err != nil {
		return nil, err
	}
	return &streamConn{Conn: websocket.NetConn(t.ctx, conn, websocket.MessageBinary), t: t}, nil
}

// Close closes the connection normally. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	var err error
	if conn != nil && t.State() == StateOpen {
		err = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	t.finish(nil)
	return err
}

func (t *Transport) openConn() (*websocket.Conn, error) {
	if t.State() != StateOpen {
		if err := t.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, nil
}

// fail classifies a read/write error, moves to StateClosed and returns what the caller should
// see: io.EOF for a clean close, a ConnectionError otherwise.
func (t *Transport) fail(err error) error {
	if isCleanClose(err) {
		t.finish(nil)
		return io.EOF
	}
	if t.State() == StateClosed && t.Err() == nil {
		// Closed locally; the read loop unblocked because of it.
		return io.EOF
	}
	cerr := clierr.Connection("connection to pit lost", err)
	t.finish(cerr)
	return cerr
}

func (t *Transport) finish(reason error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.reason = reason
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
		t.state.Store(int32(StateClosed))
		close(t.done)
		if reason != nil {
			t.logger.Debug("transport closed", "reason", reason)
		} else {
			t.logger.Debug("transport closed")
		}
	})
}

func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// streamConn records the close reason on the transport when the byte stream fails.
type streamConn struct {
	net.Conn
	t *Transport
}

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		err = c.t.fail(err)
	}
	return n, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		err = c.t.fail(err)
	}
	return n, err
}

func (c *streamConn) Close() error {
	return c.t.Close()
}
