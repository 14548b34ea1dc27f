package mux

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// StreamState is the lifecycle of one logical stream: Opened until the first byte moves in
// either direction, Relaying afterwards, Closed once both directions ended or it was reset.
type StreamState int

const (
	StreamOpened StreamState = iota
	StreamRelaying
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpened:
		return "opened"
	case StreamRelaying:
		return "relaying"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("stream-state(%d)", int(s))
	}
}

// Stream is one logical, ordered, bidirectional byte stream of a Session. Read and Write may be
// called concurrently with each other; one reader and one writer at a time.
type Stream struct {
	sess  *Session
	id    uint64
	name  string
	local bool

	notify chan struct{}

	mu           sync.Mutex
	buf          bytes.Buffer
	readErr      error
	remoteClosed bool
	writeClosed  bool
	relaying     bool
}

func newStream(s *Session, id uint64, name string, local bool) *Stream {
	return &Stream{sess: s, id: id, name: name, local: local, notify: make(chan struct{}, 1)}
}

func (st *Stream) key() streamKey { return streamKey{id: st.id, local: st.local} }

func (st *Stream) ID() uint64 { return st.id }

// Name is the label the opener attached to the stream.
func (st *Stream) Name() string { return st.name }

func (st *Stream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.readErr != nil || (st.remoteClosed && st.writeClosed):
		return StreamClosed
	case st.relaying:
		return StreamRelaying
	default:
		return StreamOpened
	}
}

func (st *Stream) flag(initiator, receiver flag) flag {
	if st.local {
		return initiator
	}
	return receiver
}

func (st *Stream) signal() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// Read returns buffered inbound bytes. After the far side closed its write direction and the
// buffer drained it returns io.EOF; after a reset it returns the reset reason.
func (st *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		st.mu.Lock()
		if st.buf.Len() > 0 {
			n, _ := st.buf.Read(p)
			st.mu.Unlock()
			return n, nil
		}
		err := st.readErr
		eof := st.remoteClosed
		st.mu.Unlock()
		switch {
		case err != nil:
			return 0, err
		case eof:
			return 0, io.EOF
		}
		<-st.notify
	}
}

// Write sends p in chunks of at most Config.WriteChunkSize.
func (st *Stream) Write(p []byte) (int, error) {
	total := 0
	chunk := st.sess.cfg.WriteChunkSize
	for len(p) > 0 {
		if err := st.writable(); err != nil {
			return total, err
		}
		n := min(len(p), chunk)
		if err := st.sess.send(message{id: st.id, flag: st.flag(flagMessageInitiator, flagMessageReceiver), data: p[:n]}); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (st *Stream) writable() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.readErr != nil {
		return st.readErr
	}
	if st.writeClosed {
		return ErrWriteClosed
	}
	st.relaying = true
	return nil
}

// CloseWrite ends the outbound direction; the far side reads EOF. Reading continues until the
// far side closes too.
func (st *Stream) CloseWrite() error {
	st.mu.Lock()
	if st.writeClosed || st.readErr != nil {
		st.mu.Unlock()
		return nil
	}
	st.writeClosed = true
	finished := st.remoteClosed
	st.mu.Unlock()

	err := st.sess.send(message{id: st.id, flag: st.flag(flagCloseInitiator, flagCloseReceiver)})
	if finished {
		st.sess.remove(st)
	}
	return err
}

// Close ends the outbound direction and discards anything the far side still sends.
func (st *Stream) Close() error {
	err := st.CloseWrite()
	st.mu.Lock()
	if st.readErr == nil {
		st.readErr = ErrStreamClosed
	}
	st.buf.Reset()
	st.mu.Unlock()
	st.signal()
	st.sess.remove(st)
	return err
}

// Reset aborts both directions and tells the far side why.
func (st *Stream) Reset(reason error) error {
	if reason == nil {
		reason = ErrStreamClosed
	}
	st.mu.Lock()
	if st.readErr != nil {
		st.mu.Unlock()
		return nil
	}
	st.readErr = reason
	st.writeClosed = true
	st.buf.Reset()
	st.mu.Unlock()
	st.signal()
	st.sess.remove(st)
	return st.sess.send(message{id: st.id, flag: st.flag(flagResetInitiator, flagResetReceiver), data: []byte(reason.Error())})
}

func (st *Stream) deliver(data []byte) {
	st.mu.Lock()
	if st.readErr != nil || st.remoteClosed {
		st.mu.Unlock()
		return
	}
	if limit, buffered := st.sess.cfg.MaxStreamBuffer, st.buf.Len(); limit > 0 && buffered+len(data) > limit {
		st.mu.Unlock()
		st.sess.logger.Debug("stream buffer overflow", "stream", st.id, "buffered", buffered)
		_ = st.Reset(ErrBufferOverflow)
		return
	}
	st.buf.Write(data)
	st.relaying = true
	st.mu.Unlock()
	st.signal()
}

func (st *Stream) remoteClose() {
	st.mu.Lock()
	st.remoteClosed = true
	finished := st.writeClosed
	st.mu.Unlock()
	st.signal()
	if finished {
		st.sess.remove(st)
	}
}

func (st *Stream) remoteReset(msg string) {
	st.abort(&RemoteError{Message: msg})
	st.sess.remove(st)
}

// abort fails both directions locally without telling the far side.
func (st *Stream) abort(err error) {
	st.mu.Lock()
	if st.readErr == nil {
		st.readErr = err
	}
	st.writeClosed = true
	st.buf.Reset()
	st.mu.Unlock()
	st.signal()
}
