// Package mux multiplexes independent byte streams over one ordered, reliable byte stream using
// the mplex framing: every message is uvarint(id<<3|flag) uvarint(len) data.
//
// mplex carries no window updates, so there is no way to ask the far side to pause one stream.
// Each stream therefore owns an inbound buffer that grows while its consumer is behind. The
// session read loop appends to it and never waits for a consumer, so a slow local socket cannot
// stall its siblings, and every byte is still delivered once the consumer catches up. The only
// limit is a memory guard (Config.MaxStreamBuffer, 256 MiB by default); a stream exceeding it is
// reset on its own.
package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	defaultMaxMessageSize  = 1 << 20
	defaultMaxStreamBuffer = 256 << 20
	defaultWriteChunkSize  = 64 << 10
)

var (
	ErrSessionClosed  = errors.New("mux: session closed")
	ErrStreamClosed   = errors.New("mux: stream closed")
	ErrWriteClosed    = errors.New("mux: write after close")
	ErrBufferOverflow = errors.New("mux: stream receive buffer exceeded")
	ErrStreamRefused  = errors.New("mux: stream refused")
)

// RemoteError is a reset received from the far side. Message is the text it attached.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "stream reset by remote"
	}
	return e.Message
}

type Config struct {
	// MaxMessageSize caps a single inbound message; a bigger one is a protocol violation that
	// terminates the session.
	MaxMessageSize int
	// MaxStreamBuffer caps the unread inbound bytes of one stream; a stream exceeding it is reset.
	// Zero means the 256 MiB default, a negative value disables the cap.
	MaxStreamBuffer int
	// WriteChunkSize splits large writes so concurrent streams interleave fairly.
	WriteChunkSize int
	// AcceptBacklog is the number of remotely opened streams waiting in Accept. Zero refuses
	// every remotely opened stream with a reset.
	AcceptBacklog int
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxStreamBuffer == 0 {
		c.MaxStreamBuffer = defaultMaxStreamBuffer
	}
	if c.WriteChunkSize <= 0 {
		c.WriteChunkSize = defaultWriteChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// streamKey tells apart the two id spaces: ids we allocated and ids the far side allocated.
type streamKey struct {
	id    uint64
	local bool
}

// Session owns the underlying connection. It is safe for concurrent use.
type Session struct {
	conn   io.ReadWriteCloser
	cfg    Config
	logger *slog.Logger

	// wmu keeps messages whole on the wire.
	wmu  sync.Mutex
	wbuf []byte

	mu      sync.Mutex
	streams map[streamKey]*Stream
	nextID  uint64
	closed  bool
	err     error

	accept    chan *Stream
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession starts reading from conn immediately.
func NewSession(conn io.ReadWriteCloser, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: make(map[streamKey]*Stream),
		done:    make(chan struct{}),
	}
	if cfg.AcceptBacklog > 0 {
		s.accept = make(chan *Stream, cfg.AcceptBacklog)
	}
	go s.readLoop()
	return s
}

// OpenStream announces a new stream carrying name. Ids are allocated monotonically and never
// reused within the session.
func (s *Session) OpenStream(name string) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	if id > maxStreamID {
		s.mu.Unlock()
		return nil, fmt.Errorf("mux: stream ids exhausted")
	}
	s.nextID++
	st := newStream(s, id, name, true)
	s.streams[st.key()] = st
	s.mu.Unlock()

	if err := s.send(message{id: id, flag: flagNewStream, data: []byte(name)}); err != nil {
		s.remove(st)
		return nil, err
	}
	s.logger.Debug("stream opened", "stream", id, "name", name)
	return st, nil
}

// Accept returns the next stream opened by the far side. It returns ErrSessionClosed once the
// session ended and ErrStreamRefused when the session was built without a backlog.
func (s *Session) Accept(ctx context.Context) (*Stream, error) {
	if s.accept == nil {
		return nil, ErrStreamRefused
	}
	select {
	case st := <-s.accept:
		return st, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the session ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the reason the session ended: nil for a local Close or a clean EOF.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NumStreams is the number of streams currently registered.
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Close tears down every stream and closes the underlying connection.
func (s *Session) Close() error {
	s.terminate(nil)
	return s.conn.Close()
}

func (s *Session) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = reason
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.streams = map[streamKey]*Stream{}
		s.mu.Unlock()

		streamErr := ErrSessionClosed
		if reason != nil {
			streamErr = fmt.Errorf("%w: %w", ErrSessionClosed, reason)
		}
		for _, st := range streams {
			st.abort(streamErr)
		}
		close(s.done)
		if reason != nil {
			s.logger.Debug("session terminated", "reason", reason)
		}
	})
}

func (s *Session) send(m message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.wbuf = appendMessage(s.wbuf[:0], m)
	if _, err := s.conn.Write(s.wbuf); err != nil {
		s.terminate(err)
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return nil
}

func (s *Session) lookup(k streamKey) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[k]
}

func (s *Session) remove(st *Stream) {
	s.mu.Lock()
	if cur, ok := s.streams[st.key()]; ok && cur == st {
		delete(s.streams, st.key())
	}
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	r := bufio.NewReaderSize(s.conn, 64<<10)
	for {
		m, err := readMessage(r, s.cfg.MaxMessageSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.terminate(nil)
			} else {
				s.terminate(err)
			}
			_ = s.conn.Close()
			return
		}
		s.dispatch(m)
	}
}

func (s *Session) dispatch(m message) {
	if m.flag == flagNewStream {
		s.handleNewStream(m)
		return
	}
	// A message sent by the initiator addresses a stream the far side opened.
	st := s.lookup(streamKey{id: m.id, local: !m.flag.fromInitiator()})
	if st == nil {
		s.logger.Debug("message for unknown stream", "stream", m.id, "flag", m.flag.String())
		return
	}
	switch m.flag {
	case flagMessageInitiator, flagMessageReceiver:
		st.deliver(m.data)
	case flagCloseInitiator, flagCloseReceiver:
		st.remoteClose()
	case flagResetInitiator, flagResetReceiver:
		st.remoteReset(string(m.data))
	}
}

func (s *Session) handleNewStream(m message) {
	refuse := func(reason string) {
		s.logger.Debug("refusing remote stream", "stream", m.id, "reason", reason)
		_ = s.send(message{id: m.id, flag: flagResetReceiver, data: []byte(reason)})
	}
	if s.accept == nil {
		refuse("streams cannot be opened from this side")
		return
	}
	st := newStream(s, m.id, string(m.data), false)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.streams[st.key()]; dup {
		s.mu.Unlock()
		refuse("duplicate stream id")
		return
	}
	s.streams[st.key()] = st
	s.mu.Unlock()

	select {
	case s.accept <- st:
	default:
		s.remove(st)
		refuse("accept backlog full")
	}
}
