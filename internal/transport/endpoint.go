package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Kind selects the channel served at the far end of the connection.
type Kind string

const (
	KindExec    Kind = "exec"
	KindForward Kind = "forward"
)

// Endpoint addresses one channel of one worker instance of a job.
type Endpoint struct {
	Job    string
	Worker int
	Kind   Kind
	// Context is JSON-encoded into the context query parameter. Only exec uses it.
	Context any
}

func (e Endpoint) String() string {
	return fmt.Sprintf("job %s worker %d %s", e.Job, e.Worker, e.Kind)
}

// URL builds the websocket URL of the endpoint relative to the platform base URL.
func (e Endpoint) URL(base string) (string, error) {
	if strings.TrimSpace(e.Job) == "" {
		return "", fmt.Errorf("job is required")
	}
	if e.Worker < 0 {
		return "", fmt.Errorf("invalid worker index %d", e.Worker)
	}
	switch e.Kind {
	case KindExec, KindForward:
	default:
		return "", fmt.Errorf("unknown channel kind %q", e.Kind)
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/jobs/" + url.PathEscape(e.Job) +
		"/instances/" + strconv.Itoa(e.Worker) + "/" + string(e.Kind)
	u.RawPath = ""
	u.RawQuery = ""
	if e.Context != nil {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return "", fmt.Errorf("encode context: %w", err)
		}
		u.RawQuery = "context=" + url.QueryEscape(string(b))
	}
	return u.String(), nil
}
