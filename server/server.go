// Package server implements the minimal message-oriented TCP server
// framework shared by the CR and CRAQ replicas: accept connections forever,
// read framed messages off each one, hand each to a handler, and write the
// reply back on the same connection.
package server

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/arvidk/chainkv/message"
)

// Handler is the sole extension point of the server framework. CR and CRAQ
// replicas are both just Handlers plumbed through the same Server.
type Handler interface {
	ProcessRequest(msg message.Message) message.Message
}

// Server accepts TCP connections and dispatches framed requests on each to
// a Handler. One goroutine per accepted connection; within a connection,
// requests are handled strictly sequentially because framing makes
// concurrent requests on one socket impossible (a reply must be written
// before the next request can be read). Concurrency across connections is
// unlimited.
type Server struct {
	ln      net.Listener
	handler Handler
	log     *zap.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// New wraps an already-bound listener with a Handler.
func New(ln net.Listener, h Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ln:      ln,
		handler: h,
		log:     log.With(zap.String("addr", ln.Addr().String())),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the address this server is listening on.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed, blocking the
// calling goroutine. It returns nil if the listener was closed via Close,
// and a non-nil error for any other accept failure.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and closes every connection
// currently being served.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		req, err := message.Read(conn)
		if err != nil {
			return
		}
		reply := s.handler.ProcessRequest(req)
		if err := message.Write(conn, reply); err != nil {
			s.log.Debug("failed to write reply", zap.Error(err))
			return
		}
	}
}
