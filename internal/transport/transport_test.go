package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/antonkrylov/pit/internal/client"
	"github.com/antonkrylov/pit/internal/clierr"
)

type tokenResolver struct {
	base    string
	token   string
	fresh   string
	reauths atomic.Int32
}

func (r *tokenResolver) Descriptor(context.Context) (client.Descriptor, error) {
	return client.Descriptor{BaseURL: r.base, Token: r.token}, nil
}

func (r *tokenResolver) Reauthenticate(context.Context) (client.Descriptor, error) {
	r.reauths.Add(1)
	return client.Descriptor{BaseURL: r.base, Token: r.fresh}, nil
}

// echoServer accepts upgrades carrying token and echoes every message back, closing normally
// after it saw "bye".
func echoServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Request-Id") == "" {
			http.Error(w, "missing request id", http.StatusBadRequest)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "bye" {
				_ = c.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEndpointURL(t *testing.T) {
	ep := Endpoint{Job: "1234", Worker: 1, Kind: KindForward}
	got, err := ep.URL("https://pit.lab:8443/api/")
	require.NoError(t, err)
	assert.Equal(t, "wss://pit.lab:8443/api/jobs/1234/instances/1/forward", got)

	ep = Endpoint{Job: "7", Kind: KindExec, Context: map[string]any{"command": []string{"echo", "hi there"}}}
	got, err = ep.URL("http://localhost:8000")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "/jobs/7/instances/0/exec", u.Path)
	assert.JSONEq(t, `{"command":["echo","hi there"]}`, u.Query().Get("context"))

	_, err = Endpoint{Job: "7", Kind: "shell"}.URL("http://x")
	assert.Error(t, err)
	_, err = Endpoint{Kind: KindExec}.URL("http://x")
	assert.Error(t, err)
	_, err = Endpoint{Job: "7", Kind: KindExec}.URL("ftp://x")
	assert.Error(t, err)
}

func TestDialRoundTripAndCleanClose(t *testing.T) {
	srv := echoServer(t, "secret")
	ctx := context.Background()
	tr, err := Dial(ctx, &tokenResolver{base: srv.URL, token: "secret"}, Endpoint{Job: "1", Kind: KindExec}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, tr.State())

	require.NoError(t, tr.WriteMessage(ctx, []byte{1, 'h', 'i'}))
	msg, err := tr.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 'h', 'i'}, msg)

	require.NoError(t, tr.WriteMessage(ctx, []byte("bye")))
	_, err = tr.ReadMessage(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateClosed, tr.State())
	assert.NoError(t, tr.Err())
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	assert.Error(t, tr.WriteMessage(ctx, []byte("late")))
}

func TestDialReauthenticatesOnceOn401(t *testing.T) {
	srv := echoServer(t, "fresh")
	res := &tokenResolver{base: srv.URL, token: "stale", fresh: "fresh"}
	tr, err := Dial(context.Background(), res, Endpoint{Job: "1", Kind: KindForward}, Options{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, int32(1), res.reauths.Load())
}

func TestDialGivesUpAfterSecond401(t *testing.T) {
	srv := echoServer(t, "never")
	res := &tokenResolver{base: srv.URL, token: "stale", fresh: "still-stale"}
	_, err := Dial(context.Background(), res, Endpoint{Job: "1", Kind: KindForward}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, clierr.ErrAuthRequired)
	assert.Equal(t, int32(1), res.reauths.Load())
}

func TestDialUnreachableIsConnectionError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	tr := New(Endpoint{Job: "1", Kind: KindExec}, Options{HandshakeTimeout: 2 * time.Second})
	err = tr.Open(context.Background(), client.StaticResolver{D: client.Descriptor{BaseURL: "http://" + addr}})
	require.Error(t, err)
	var ce *clierr.ConnectionError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, err, tr.Err())
	assert.ErrorIs(t, tr.Open(context.Background(), client.StaticResolver{}), ErrClosed)
}

func TestStreamIsContinuousByteStream(t *testing.T) {
	srv := echoServer(t, "")
	tr, err := Dial(context.Background(), &tokenResolver{base: srv.URL}, Endpoint{Job: "1", Kind: KindForward}, Options{})
	require.NoError(t, err)
	conn, err := tr.Stream()
	require.NoError(t, err)

	_, err = conn.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, tr.State())
	assert.NoError(t, tr.Err())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}
