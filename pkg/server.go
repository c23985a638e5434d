package pkg

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxHeaderBytes is the maximum permitted size of the headers
// in an HTTP request.
// This can be overridden by setting Server.MaxHeaderBytes.
const DefaultMaxHeaderBytes = 1 << 20 // 1 MB

// readBufferSize is how much is read off a socket at a time.
const readBufferSize = 4 << 10

// A ServerState is the lifecycle state of a Server.
type ServerState int

const (
	ServerIdle ServerState = iota
	ServerListening
	ServerStopped
)

var serverStateName = map[ServerState]string{
	ServerIdle:      "idle",
	ServerListening: "listening",
	ServerStopped:   "stopped",
}

func (s ServerState) String() string {
	return serverStateName[s]
}

// Server accepts connections on one port and hands every fully received
// request to its callback. Each connection serves exactly one request.
type Server struct {
	// MaxHeaderBytes controls the maximum number of bytes the
	// server will buffer while waiting for the end of the request
	// header, including the request line. It does not limit the
	// size of the request body.
	// If zero, DefaultMaxHeaderBytes is used.
	MaxHeaderBytes int

	// ErrorLog specifies an optional logger for errors accepting
	// connections, writing responses and unexpected behavior from
	// callbacks.
	// If nil, logging is done via the log package's standard logger.
	ErrorLog *log.Logger

	callback atomic.Pointer[RequestCallback]

	conns *Registry

	mu    sync.Mutex
	state ServerState
	ln    net.Listener
}

// NewServer returns an idle server.
func NewServer() *Server {
	return &Server{conns: newRegistry()}
}

// SetRequestCallback sets the function invoked for every fully received
// request. It may be called at any time; nil drops subsequent requests.
func (s *Server) SetRequestCallback(cb RequestCallback) {
	if cb == nil {
		s.callback.Store(nil)
		return
	}

	s.callback.Store(&cb)
}

func (s *Server) requestCallback() RequestCallback {
	if cb := s.callback.Load(); cb != nil {
		return *cb
	}

	return nil
}

// State returns the lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Addr returns the listening address, or nil unless the server is
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerListening {
		return nil
	}

	return s.ln.Addr()
}

// Start binds port on all local IPv4 addresses and starts accepting
// connections in the background. It fails with a *BindError when the port
// cannot be bound and with a *ListenError otherwise.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerIdle {
		return &ListenError{Port: port, Err: ErrServerStarted}
	}

	if err := validPort(port); err != nil {
		return err
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return listenFailure(port, err)
	}

	if s.conns == nil {
		s.conns = newRegistry()
	}

	s.ln = &onceCloseListener{Listener: ln}
	s.state = ServerListening

	go s.serve(s.ln)

	return nil
}

// Stop closes the listener. Connections already accepted run to completion
// on their own. Stop does nothing unless the server is listening.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerListening {
		return
	}

	s.state = ServerStopped

	if err := s.ln.Close(); err != nil {
		s.logf("http: closing listener: %v", err)
	}
}

func (s *Server) stopped() bool {
	return s.State() == ServerStopped
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)

	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}

func (s *Server) serve(l net.Listener) {
	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}

			var ne net.Error

			//nolint:all
			if errors.As(err, &ne) && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if duration := 1 * time.Second; tempDelay > duration {
					tempDelay = duration
				}

				s.logf("http: Accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)

				continue
			}

			s.logf("http: Accept error: %v; no longer accepting", err)

			return
		}

		tempDelay = 0
		c := newConn(s, rw)
		s.conns.add(c)

		go s.readLoop(c, rw)
	}
}

// readLoop feeds everything read from rw into c until the socket fails or
// is closed from either side.
func (s *Server) readLoop(c *Conn, rw net.Conn) {
	buf := make([]byte, readBufferSize)

	for {
		n, err := rw.Read(buf)
		if n > 0 {
			c.receive(buf[:n])
		}

		if err != nil {
			if !isCommonNetReadError(err) {
				s.logf("http: read from %v: %v", c.remoteAddr, err)
			}

			c.socketClosed()

			return
		}
	}
}

func (s *Server) removeConn(c *Conn) {
	s.conns.remove(c)
}

func (s *Server) logf(format string, args ...any) {
	if s.ErrorLog != nil {
		s.ErrorLog.Printf(format, args...)

		return
	}

	log.Printf(format, args...)
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}

	return DefaultMaxHeaderBytes
}
