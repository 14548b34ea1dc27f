// Package forward exposes ports of a job worker on the local loopback interface. All accepted
// connections share one transport; each one is a logical stream of a mux session.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/pit/internal/clierr"
	"github.com/antonkrylov/pit/internal/mux"
	"github.com/antonkrylov/pit/internal/transport"
)

type State int32

const (
	StateInit State = iota
	StateConnecting
	StateListening
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	// ErrNoListeners is returned when not a single mapping could be bound.
	ErrNoListeners = errors.New("unable to listen on any local port")
	// ErrAllStreamsFailed is returned at the end of a run in which every relayed connection failed.
	ErrAllStreamsFailed = errors.New("every forwarded connection failed")

	errTunnelClosed = errors.New("tunnel closed")
)

const defaultBindHost = "127.0.0.1"

type Options struct {
	Job      string
	Worker   int
	Mappings []Mapping
	// BindHost is the local interface listeners bind to. Defaults to 127.0.0.1.
	BindHost string
	// Out receives the forwarding confirmations, Err the per-stream diagnostics.
	Out    io.Writer
	Err    io.Writer
	Mux    mux.Config
	Logger *slog.Logger
}

// Tunnel is one forward invocation. It runs once.
type Tunnel struct {
	dialer transport.Dialer
	opts   Options
	logger *slog.Logger

	state atomic.Int32
	ready chan struct{}

	mu        sync.Mutex
	listeners []net.Listener

	reg     *registry
	relayed atomic.Int64
	failed  atomic.Int64
}

func New(d transport.Dialer, opts Options) *Tunnel {
	if opts.BindHost == "" {
		opts.BindHost = defaultBindHost
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Err == nil {
		opts.Err = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Mux.Logger == nil {
		opts.Mux.Logger = opts.Logger
	}
	return &Tunnel{
		dialer: d,
		opts:   opts,
		logger: opts.Logger.With("job", opts.Job, "worker", opts.Worker),
		ready:  make(chan struct{}),
		reg:    newRegistry(),
	}
}

func (t *Tunnel) State() State { return State(t.state.Load()) }

func (t *Tunnel) setState(s State) {
	t.state.Store(int32(s))
	t.logger.Debug("tunnel state", "state", s.String())
}

// Ready is closed once the tunnel is listening.
func (t *Tunnel) Ready() <-chan struct{} { return t.ready }

// Addrs returns the bound listener addresses in mapping order.
func (t *Tunnel) Addrs() []net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]net.Addr, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// ActiveStreams is the number of connections currently relayed.
func (t *Tunnel) ActiveStreams() int { return t.reg.len() }

// Run connects, listens and relays until ctx is done (nil) or the transport ends (nil when the
// platform closed it cleanly). The transport is opened before any port is bound, so a failed
// connection leaves nothing listening.
func (t *Tunnel) Run(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateInit), int32(StateConnecting)) {
		return errors.New("tunnel already used")
	}
	defer t.setState(StateTerminated)

	tr, err := t.dialer.Dial(ctx, transport.Endpoint{Job: t.opts.Job, Worker: t.opts.Worker, Kind: transport.KindForward})
	if err != nil {
		return err
	}
	defer tr.Close()
	conn, err := tr.Stream()
	if err != nil {
		return err
	}
	sess := mux.NewSession(conn, t.opts.Mux)
	defer sess.Close()

	if err := t.listen(); err != nil {
		return err
	}
	t.setState(StateListening)
	close(t.ready)
	fmt.Fprintln(t.opts.Out, "Hit Ctrl-C to stop forwarding.")

	var g errgroup.Group
	t.mu.Lock()
	for i, l := range t.listeners {
		l, m := l, t.opts.Mappings[i]
		g.Go(func() error { return t.acceptLoop(l, m, sess, &g) })
	}
	t.mu.Unlock()

	var reason error
	select {
	case <-ctx.Done():
		t.logger.Debug("forwarding stopped")
	case <-sess.Done():
		reason = sess.Err()
		if reason == nil {
			reason = tr.Err()
		}
	}

	t.setState(StateDraining)
	t.closeListeners()
	for _, p := range t.reg.snapshot() {
		_ = p.stream.Reset(errTunnelClosed)
		abort(p.local)
	}
	_ = sess.Close()
	_ = tr.Close()
	if err := g.Wait(); err != nil {
		t.logger.Debug("accept loop ended", "err", err)
	}

	relayed, failed := t.relayed.Load(), t.failed.Load()
	t.logger.Debug("tunnel finished", "relayed", relayed, "failed", failed)
	if reason != nil {
		return clierr.Connection("problem with remote end", reason)
	}
	if relayed > 0 && failed >= relayed {
		return ErrAllStreamsFailed
	}
	return nil
}

// listen binds every mapping. A failing bind is reported and skipped; only when all fail is the
// run aborted.
func (t *Tunnel) listen() error {
	var lc net.ListenConfig
	var bound []net.Listener
	var mappings []Mapping
	for _, m := range t.opts.Mappings {
		addr := net.JoinHostPort(t.opts.BindHost, strconv.Itoa(m.Local))
		l, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			fmt.Fprintf(t.opts.Err, "Unable to forward port %d: %v\n", m.Local, err)
			continue
		}
		port := l.Addr().(*net.TCPAddr).Port
		fmt.Fprintf(t.opts.Out, "Forwarding port %d of worker %d to port %d on localhost...\n", m.Remote, t.opts.Worker, port)
		bound = append(bound, l)
		mappings = append(mappings, m)
	}
	if len(bound) == 0 {
		return ErrNoListeners
	}
	t.mu.Lock()
	t.listeners = bound
	t.opts.Mappings = mappings
	t.mu.Unlock()
	return nil
}

func (t *Tunnel) closeListeners() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.listeners {
		_ = l.Close()
	}
}

func (t *Tunnel) acceptLoop(l net.Listener, m Mapping, sess *mux.Session, g *errgroup.Group) error {
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.State() >= StateDraining {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		id := t.reg.nextID()
		name := strconv.FormatUint(id, 10) + "-" + strconv.Itoa(m.Remote)
		st, err := sess.OpenStream(name)
		if err != nil {
			abort(c)
			t.report(name, err, false)
			continue
		}
		p := &pair{id: id, name: name, mapping: m, local: c, stream: st, started: time.Now()}
		t.reg.add(p)
		t.relayed.Add(1)
		t.logger.Debug("stream opened", "stream", name, "client", c.RemoteAddr().String())
		g.Go(func() error {
			t.relay(p)
			return nil
		})
	}
}

// relay copies both directions. Either side ending its output half-closes the other; an error in
// either direction resets the stream and aborts the local socket, so the local client sees a
// reset rather than a clean end of stream.
func (t *Tunnel) relay(p *pair) {
	defer t.reg.remove(p.id)

	errc := make(chan error, 2)
	go func() {
		n, err := io.Copy(p.stream, p.local)
		p.up.Add(n)
		if err == nil {
			err = p.stream.CloseWrite()
		}
		errc <- err
	}()
	go func() {
		n, err := io.Copy(p.local, p.stream)
		p.down.Add(n)
		if err == nil {
			err = closeWrite(p.local)
		}
		errc <- err
	}()

	var failure error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && failure == nil {
			failure = err
			_ = p.stream.Reset(err)
			abort(p.local)
		}
	}
	_ = p.stream.Close()
	_ = p.local.Close()

	t.logger.Debug("stream closed",
		"stream", p.name,
		"up", humanize.Bytes(uint64(p.up.Load())),
		"down", humanize.Bytes(uint64(p.down.Load())),
		"duration", time.Since(p.started).Truncate(time.Millisecond),
	)
	if failure != nil && t.State() < StateDraining {
		t.report(p.name, failure, true)
	}
}

// report prints a stream failure. Only relayed streams count towards ErrAllStreamsFailed.
func (t *Tunnel) report(name string, err error, relayed bool) {
	if relayed {
		t.failed.Add(1)
	}
	rerr := &clierr.StreamRelayError{Stream: name, Err: err}
	var remote *mux.RemoteError
	if errors.As(err, &remote) {
		fmt.Fprintln(t.opts.Err, "Remote", remote.Error())
	} else {
		fmt.Fprintln(t.opts.Err, rerr.Error())
	}
	t.logger.Debug("stream failed", "err", rerr)
}

// abort closes c with SO_LINGER 0 so the peer gets an RST instead of a FIN.
func abort(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = c.Close()
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
