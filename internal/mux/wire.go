package mux

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// flag is the low three bits of a message header. The remaining bits carry the stream id.
// Initiator/receiver name the side that *sends* the message.
type flag byte

const (
	flagNewStream        flag = 0
	flagMessageReceiver  flag = 1
	flagMessageInitiator flag = 2
	flagCloseReceiver    flag = 3
	flagCloseInitiator   flag = 4
	flagResetReceiver    flag = 5
	flagResetInitiator   flag = 6
)

func (f flag) String() string {
	switch f {
	case flagNewStream:
		return "new"
	case flagMessageReceiver:
		return "msg-receiver"
	case flagMessageInitiator:
		return "msg-initiator"
	case flagCloseReceiver:
		return "close-receiver"
	case flagCloseInitiator:
		return "close-initiator"
	case flagResetReceiver:
		return "reset-receiver"
	case flagResetInitiator:
		return "reset-initiator"
	default:
		return fmt.Sprintf("flag(%d)", byte(f))
	}
}

// fromInitiator reports whether the sender of a message with this flag opened the stream.
func (f flag) fromInitiator() bool {
	return f != flagNewStream && f%2 == 0
}

const maxStreamID = 1<<61 - 1

var (
	ErrMessageTooLarge = errors.New("mux: message too large")
	errUnknownFlag     = errors.New("mux: unknown message flag")
)

// message is one unit on the wire: uvarint(id<<3|flag) uvarint(len(data)) data.
type message struct {
	id   uint64
	flag flag
	data []byte
}

func appendMessage(dst []byte, m message) []byte {
	dst = binary.AppendUvarint(dst, m.id<<3|uint64(m.flag))
	dst = binary.AppendUvarint(dst, uint64(len(m.data)))
	return append(dst, m.data...)
}

func readMessage(r *bufio.Reader, maxSize int) (message, error) {
	header, err := binary.ReadUvarint(r)
	if err != nil {
		return message{}, err
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return message{}, unexpected(err)
	}
	if size > uint64(maxSize) {
		return message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	m := message{id: header >> 3, flag: flag(header & 7)}
	if m.flag > flagResetInitiator {
		return message{}, fmt.Errorf("%w: %d", errUnknownFlag, m.flag)
	}
	if size > 0 {
		m.data = make([]byte, size)
		if _, err := io.ReadFull(r, m.data); err != nil {
			return message{}, unexpected(err)
		}
	}
	return m, nil
}

// unexpected turns an EOF in the middle of a message into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
