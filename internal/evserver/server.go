// Package evserver implements the accept-loop server shared by the
// metadata index and a peer's chunk-serving endpoint: it accepts new
// connections on a listening endpoint, assigns each an owner task via a
// pluggable ConnectionHandler, and retires tasks when they signal
// completion, without busy-waiting. A select over the stop channel,
// the accept feed, and per-worker done channels gives exact wakeup on
// any of (new client, worker finished, shutdown).
package evserver

import (
	"net"
	"sync"

	"go.uber.org/zap"
)

// ConnectionHandler is invoked once per accepted connection. It should
// do its work (synchronously or by spawning its own goroutine) and
// close done when the connection's owner task has finished, so the
// server can retire it.
type ConnectionHandler func(conn net.Conn, done chan<- struct{})

// Server is a generic accept-loop-plus-retirement event loop.
type Server struct {
	listener net.Listener
	handler  ConnectionHandler
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending int
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// New binds a listener on addr (":0" picks an OS-assigned port) and
// constructs a Server that dispatches accepted connections to handler.
// It does not start accepting until Serve is called.
func New(addr string, handler ConnectionHandler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: ln,
		handler:  handler,
		logger:   logger,
		stopCh:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound address, including the OS-assigned port when
// the server was created with port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the main loop: accept new connections, dispatch them to the
// handler, and retire them when their done channel closes. It blocks
// until Stop is called or the listener fails.
func (s *Server) Serve() error {
	accepted := make(chan net.Conn)
	acceptErr := make(chan error, 1)

	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.stopCh:
					return
				default:
				}
				acceptErr <- err
				return
			}
			select {
			case accepted <- conn:
			case <-s.stopCh:
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return nil
		case err := <-acceptErr:
			return err
		case conn := <-accepted:
			s.logger.Debug("evserver: accepted connection", zap.String("remote", conn.RemoteAddr().String()))
			s.spawn(conn)
		}
	}
}

func (s *Server) spawn(conn net.Conn) {
	done := make(chan struct{})
	s.mu.Lock()
	s.pending++
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.handler(conn, done)
	}()

	go func() {
		<-done
		s.mu.Lock()
		s.pending--
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
}

// PendingCount returns the number of connections whose handler has not
// yet signaled completion.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stop signals the main loop to exit, closes the listener, and closes
// every open client connection so blocked handlers unwind. It is
// idempotent. It does not wait for in-flight handlers to finish; call
// Wait after Stop to do that.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	})
}

// Wait blocks until every dispatched handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}
