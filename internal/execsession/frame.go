package execsession

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/antonkrylov/pit/internal/clierr"
)

// Kind is the decoded meaning of a frame's tag byte. Tag values overlap between directions (1 is
// Stdin outbound and Stdout inbound), so frames are only ever encoded outbound and decoded inbound.
type Kind int

const (
	KindUnknown Kind = iota
	KindControl
	KindStdin
	KindStdout
	KindStderr
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindStdin:
		return "stdin"
	case KindStdout:
		return "stdout"
	case KindStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

const (
	tagControl byte = 0
	tagStdin   byte = 1
	tagStdout  byte = 1
	tagStderr  byte = 2
)

// Frame is one websocket message of the exec channel: a tag byte followed by the payload.
type Frame struct {
	Kind    Kind
	Payload []byte
	// Tag is the raw tag byte as received. Only meaningful for inbound frames.
	Tag byte
}

// EncodeOutbound renders a client-to-platform frame. Only Control and Stdin travel that way.
func EncodeOutbound(f Frame) ([]byte, error) {
	var tag byte
	switch f.Kind {
	case KindControl:
		tag = tagControl
	case KindStdin:
		tag = tagStdin
	default:
		return nil, &clierr.ProtocolViolation{Detail: fmt.Sprintf("cannot send %s frame", f.Kind)}
	}
	out := make([]byte, 1+len(f.Payload))
	out[0] = tag
	copy(out[1:], f.Payload)
	return out, nil
}

// DecodeInbound splits a platform-to-client message. Tags other than 1 and 2 decode to Control
// (0) or Unknown; callers ignore both.
func DecodeInbound(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, &clierr.ProtocolViolation{Detail: "empty exec frame"}
	}
	f := Frame{Tag: msg[0], Payload: msg[1:]}
	switch msg[0] {
	case tagStdout:
		f.Kind = KindStdout
	case tagStderr:
		f.Kind = KindStderr
	case tagControl:
		f.Kind = KindControl
	default:
		f.Kind = KindUnknown
	}
	return f, nil
}

// EncodeInbound renders a platform-to-client frame. The stub server uses it.
func EncodeInbound(f Frame) ([]byte, error) {
	var tag byte
	switch f.Kind {
	case KindStdout:
		tag = tagStdout
	case KindStderr:
		tag = tagStderr
	default:
		return nil, &clierr.ProtocolViolation{Detail: fmt.Sprintf("platform cannot send %s frame", f.Kind)}
	}
	out := make([]byte, 1+len(f.Payload))
	out[0] = tag
	copy(out[1:], f.Payload)
	return out, nil
}

// DecodeOutbound is DecodeInbound for the platform side of the channel.
func DecodeOutbound(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, &clierr.ProtocolViolation{Detail: "empty exec frame"}
	}
	f := Frame{Tag: msg[0], Payload: msg[1:]}
	switch msg[0] {
	case tagControl:
		f.Kind = KindControl
	case tagStdin:
		f.Kind = KindStdin
	default:
		f.Kind = KindUnknown
	}
	return f, nil
}

// ControlMessage is the JSON body of a Control frame.
type ControlMessage struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

const commandWindowResize = "window-resize"

// ResizeFrame builds the Control frame announcing a new terminal size. Dimensions travel as
// decimal strings.
func ResizeFrame(cols, rows int) Frame {
	b, _ := json.Marshal(ControlMessage{
		Command: commandWindowResize,
		Args: map[string]string{
			"width":  strconv.Itoa(cols),
			"height": strconv.Itoa(rows),
		},
	})
	return Frame{Kind: KindControl, Payload: b}
}

// StdinFrame wraps local input. The payload is copied.
func StdinFrame(p []byte) Frame {
	return Frame{Kind: KindStdin, Payload: append([]byte(nil), p...)}
}

// Context is sent JSON-encoded in the context query parameter when the exec channel is opened.
type Context struct {
	Command     []string          `json:"command"`
	Environment map[string]string `json:"environment"`
	Interactive bool              `json:"interactive"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
}

// ParseControl decodes a Control payload, as the platform side does.
func ParseControl(payload []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return ControlMessage{}, &clierr.ProtocolViolation{Detail: "malformed control message: " + err.Error()}
	}
	return m, nil
}

// Size extracts the dimensions of a window-resize message.
func (m ControlMessage) Size() (cols, rows int, ok bool) {
	if m.Command != commandWindowResize {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(m.Args["width"])
	r, err2 := strconv.Atoi(m.Args["height"])
	if err1 != nil || err2 != nil || c <= 0 || r <= 0 {
		return 0, 0, false
	}
	return c, r, true
}
