package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brineholt/kvsd/wire"
)

// serveOnce accepts a single connection on ln, decodes one request, and
// replies with resp.
func serveOnce(t *testing.T, ln net.Listener, resp wire.Response) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close() // nolint:errcheck

	if _, err := wire.ReadRequest(conn); err != nil {
		t.Errorf("ReadRequest: %v", err)
		return
	}
	if err := wire.WriteResponse(conn, resp); err != nil {
		t.Errorf("WriteResponse: %v", err)
	}
}

func TestClientGetValue(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() // nolint:errcheck

	go serveOnce(t, ln, wire.ValueResponse("bar"))

	c := New(ln.Addr().String())
	val, found, err := c.Get("foo")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "bar", val)
}

func TestClientGetNoKey(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() // nolint:errcheck

	go serveOnce(t, ln, wire.NoKeyResponse)

	c := New(ln.Addr().String())
	_, found, err := c.Get("foo")
	require.NoError(t, err)
	require.False(t, found)
}

func TestClientSetOk(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() // nolint:errcheck

	go serveOnce(t, ln, wire.OkResponse)

	c := New(ln.Addr().String())
	require.NoError(t, c.Set("foo", "bar"))
}

func TestClientServerErrResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() // nolint:errcheck

	go serveOnce(t, ln, wire.ErrResponse)

	c := New(ln.Addr().String())
	err = c.Set("foo", "bar")
	require.ErrorIs(t, err, ErrServerError)
}

func TestClientRemoveNoKey(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() // nolint:errcheck

	go serveOnce(t, ln, wire.NoKeyResponse)

	c := New(ln.Addr().String())
	found, err := c.Remove("foo")
	require.NoError(t, err)
	require.False(t, found)
}

func TestClientConnectTimeout(t *testing.T) {
	// 203.0.113.0/24 is TEST-NET-3, reserved and unroutable, so the dial
	// will time out rather than fail fast with connection refused.
	c := New("203.0.113.1:4000").WithConnectTimeout(50 * time.Millisecond)
	_, _, err := c.Get("foo")
	require.Error(t, err)
}
