// Package client implements a single-shot client for the wire protocol:
// connect, send one request, read one response, close. No pipelining, no
// connection pooling; every call is its own TCP round trip.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/brineholt/kvsd/wire"
)

// DefaultConnectTimeout is the connect deadline applied when none is
// given.
const DefaultConnectTimeout = 2 * time.Second

// ErrServerError is returned when the server replies with Response::Err.
var ErrServerError = fmt.Errorf("server returned an error response")

// Client issues single-shot requests against a kvsd server at addr.
type Client struct {
	addr           string
	connectTimeout time.Duration
}

// New constructs a Client targeting addr, connecting with
// DefaultConnectTimeout. Use WithConnectTimeout to override it.
func New(addr string) *Client {
	return &Client{addr: addr, connectTimeout: DefaultConnectTimeout}
}

// WithConnectTimeout overrides the connect deadline for c.
func (c *Client) WithConnectTimeout(d time.Duration) *Client {
	c.connectTimeout = d
	return c
}

func (c *Client) roundTrip(req wire.Request) (wire.Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.connectTimeout)
	if err != nil {
		return wire.Response{}, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close() // nolint:errcheck

	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Response{}, fmt.Errorf("write request: %w", err)
	}

	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// Set stores val for key. It returns ErrServerError if the server replies
// Err.
func (c *Client) Set(key, val string) error {
	resp, err := c.roundTrip(wire.SetRequest(key, val))
	if err != nil {
		return err
	}
	if resp.Tag == wire.RespErr {
		return ErrServerError
	}
	return nil
}

// Get returns the value for key. found is false if the server replied
// NoKey.
func (c *Client) Get(key string) (val string, found bool, err error) {
	resp, err := c.roundTrip(wire.GetRequest(key))
	if err != nil {
		return "", false, err
	}
	switch resp.Tag {
	case wire.RespValue:
		return resp.Value, true, nil
	case wire.RespNoKey:
		return "", false, nil
	default:
		return "", false, ErrServerError
	}
}

// Remove deletes key. found is false if the server replied NoKey (the
// key had no live value to remove).
func (c *Client) Remove(key string) (found bool, err error) {
	resp, err := c.roundTrip(wire.RmRequest(key))
	if err != nil {
		return false, err
	}
	switch resp.Tag {
	case wire.RespOk:
		return true, nil
	case wire.RespNoKey:
		return false, nil
	default:
		return false, ErrServerError
	}
}
