// Package server implements the TCP front end that accepts client
// connections and dispatches each one onto a worker pool, where one
// request is decoded off the wire and executed against a storage
// engine. Engine errors are logged and mapped onto an Err response; a
// failing connection never takes down the listener.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/brineholt/kvsd/core"
	"github.com/brineholt/kvsd/pool"
	"github.com/brineholt/kvsd/wire"
)

// Server owns an engine handle and a worker pool, and dispatches each
// accepted connection's single request/response exchange onto that pool.
type Server struct {
	store core.Store
	pool  pool.Pool
	log   *zap.SugaredLogger

	shutdown atomic.Bool
}

// New constructs a Server. log may be nil, in which case logging is a
// no-op.
func New(store core.Store, p pool.Pool, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{store: store, pool: p, log: log}
}

// ListenAndServe binds addr and serves it until Shutdown is called or
// Accept fails.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close() // nolint:errcheck

	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called or Accept
// fails. Each accepted connection gets its own cloned engine handle and
// is handed to the worker pool. The accept loop never runs a request
// itself, but it waits inside Spawn for as long as the pool makes it
// wait: pool.SharedQueuePool blocks Spawn while every worker is busy and
// another job is already waiting for one. Exposed separately from
// ListenAndServe so callers (including tests) can bind an ephemeral port
// with net.Listen("tcp", ":0") and learn the chosen address before
// serving it.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infow("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if s.shutdown.Load() {
			if conn != nil {
				_ = conn.Close()
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		handle := s.store.Clone()
		s.pool.Spawn(func() {
			serveConn(conn, handle, s.log)
		})
	}
}

// Shutdown cooperatively stops the accept loop: it sets a flag checked
// right after Accept returns, then connects to addr once to unblock a
// goroutine parked inside Accept. It does not wait for jobs already
// dispatched to the worker pool to finish.
func (s *Server) Shutdown(addr string) {
	s.shutdown.Store(true)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		_ = conn.Close()
	}
}

// serveConn decodes exactly one request from conn, executes it against
// store, encodes exactly one response, then closes conn. store is this
// connection's private cloned handle; closing it only releases its own
// reader cache (see core.DB.Close), never the shared writer.
func serveConn(conn net.Conn, store core.Store, log *zap.SugaredLogger) {
	defer conn.Close()  // nolint:errcheck
	defer store.Close() // nolint:errcheck

	req, err := wire.ReadRequest(conn)
	if err != nil {
		log.Warnw("decode request", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	resp := dispatch(store, req, log)

	if err := wire.WriteResponse(conn, resp); err != nil {
		log.Warnw("write response", "remote", conn.RemoteAddr(), "error", err)
	}
}

// dispatch maps one engine call's outcome onto a wire response: a missing
// key is NoKey (for Get and Rm alike), any other failure is Err.
func dispatch(store core.Store, req wire.Request, log *zap.SugaredLogger) wire.Response {
	switch req.Tag {
	case wire.ReqSet:
		if err := store.Set(req.Key, req.Value); err != nil {
			log.Errorw("set", "key", req.Key, "error", err)
			return wire.ErrResponse
		}
		return wire.OkResponse

	case wire.ReqGet:
		val, err := store.Get(req.Key)
		switch {
		case err == nil:
			return wire.ValueResponse(val)
		case errors.Is(err, core.ErrKeyNotFound):
			return wire.NoKeyResponse
		default:
			log.Errorw("get", "key", req.Key, "error", err)
			return wire.ErrResponse
		}

	case wire.ReqRm:
		switch err := store.Remove(req.Key); {
		case err == nil:
			return wire.OkResponse
		case errors.Is(err, core.ErrRemoveNonexistKey):
			return wire.NoKeyResponse
		default:
			log.Errorw("remove", "key", req.Key, "error", err)
			return wire.ErrResponse
		}

	default:
		log.Errorw("unknown request tag", "tag", req.Tag)
		return wire.ErrResponse
	}
}
