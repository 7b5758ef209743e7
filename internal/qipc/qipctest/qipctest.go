// Package qipctest runs an in-process peer speaking just enough of the kdb
// IPC protocol to exercise clients without a real q binary: it accepts the
// credentials handshake and answers sync requests through a caller-supplied
// handler.
package qipctest

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quantbench/qenv/internal/qipc"
)

// Handler evaluates one sync request. Returning a *qipc.Error sends a
// server-side evaluation failure to the client; any other error drops the
// connection.
type Handler func(expr string, args []any) (any, error)

// Request is one sync request as seen by the server.
type Request struct {
	Expr string
	Args []any
}

// Server is a minimal in-process kdb IPC peer bound to a loopback port.
type Server struct {
	ln          net.Listener
	handler     Handler
	rejectFirst int

	mu       sync.Mutex
	rejected int
	creds    []string
	requests []Request
	conns    []net.Conn

	wg sync.WaitGroup
}

// Start launches a server on an ephemeral loopback port.
func Start(handler Handler) (*Server, error) {
	return StartRejecting(0, handler)
}

// StartRejecting launches a server that drops the first n connections
// right after accept, before the handshake completes. It exists to
// exercise client connect-retry paths: a real server accepts the TCP
// connection before it is ready to handshake.
func StartRejecting(n int, handler Handler) (*Server, error) {
	if handler == nil {
		handler = func(string, []any) (any, error) { return nil, nil }
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s := &Server{ln: ln, handler: handler, rejectFirst: n}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Host returns the loopback address the server is bound to.
func (s *Server) Host() string {
	return "127.0.0.1"
}

// Creds returns the credential strings presented in completed handshakes,
// in order, without the trailing capability byte.
func (s *Server) Creds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.creds))
	copy(out, s.creds)
	return out
}

// Requests returns every sync request received so far, in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Exprs returns just the expression text of every request so far.
func (s *Server) Exprs() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Expr
	}
	return out
}

// Close stops accepting, drops open connections and waits for the serving
// goroutines to finish.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		reject := s.rejected < s.rejectFirst
		if reject {
			s.rejected++
		} else {
			s.conns = append(s.conns, conn)
		}
		s.mu.Unlock()

		if reject {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.session(conn)
	}
}

func (s *Server) session(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)

	// Handshake: user:pass, capability byte, NUL. Reply with the protocol
	// level.
	creds, err := r.ReadBytes(0)
	if err != nil {
		return
	}
	if len(creds) >= 2 {
		s.mu.Lock()
		s.creds = append(s.creds, string(creds[:len(creds)-2]))
		s.mu.Unlock()
	}
	if _, err := conn.Write([]byte{3}); err != nil {
		return
	}

	for {
		t, v, err := qipc.DecodeMessage(r)
		if err != nil {
			return
		}
		if t != qipc.MsgSync {
			continue
		}

		expr, args := splitRequest(v)
		s.mu.Lock()
		s.requests = append(s.requests, Request{Expr: expr, Args: args})
		s.mu.Unlock()

		result, herr := s.handler(expr, args)
		var reply []byte
		if herr != nil {
			var qe *qipc.Error
			if !errors.As(herr, &qe) {
				return
			}
			reply, err = qipc.EncodeMessage(qipc.MsgResponse, qe)
		} else {
			reply, err = qipc.EncodeMessage(qipc.MsgResponse, result)
		}
		if err != nil {
			return
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func splitRequest(v any) (string, []any) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []any:
		if len(x) > 0 {
			if expr, ok := x[0].(string); ok {
				return expr, x[1:]
			}
		}
	}
	return "", nil
}
