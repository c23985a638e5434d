package pkg

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/puzpuzpuz/xsync/v3"
)

// drainInterval is how often sockets waiting to close are checked for
// unsent response bytes.
const drainInterval = 10 * time.Millisecond

// EventServer is a Server driven by gnet event loops instead of a goroutine
// per connection. Reads are delivered by callbacks on a fixed pool of
// loops; each connection stays on one loop, so its reads arrive in order.
type EventServer struct {
	gnet.BuiltinEventEngine

	// MaxHeaderBytes is as for Server.
	MaxHeaderBytes int

	// Multicore runs one event loop per CPU.
	Multicore bool

	// NumEventLoop overrides the number of event loops when positive.
	NumEventLoop int

	// ReusePort sets SO_REUSEPORT on the listener.
	ReusePort bool

	// ErrorLog is as for Server.
	ErrorLog *log.Logger

	callback atomic.Pointer[RequestCallback]

	conns *Registry

	// draining holds sockets whose response is still in gnet's outbound
	// buffer. They are closed from OnTick once it empties.
	draining *xsync.MapOf[gnet.Conn, *gnetSocket]

	mu     sync.Mutex
	state  ServerState
	engine gnet.Engine
	addr   net.Addr
	booted chan struct{}
	done   chan struct{}
}

// NewEventServer returns an idle event-loop server.
func NewEventServer() *EventServer {
	return &EventServer{
		conns:    newRegistry(),
		draining: xsync.NewMapOf[gnet.Conn, *gnetSocket](),
	}
}

// SetRequestCallback is as for Server.
func (s *EventServer) SetRequestCallback(cb RequestCallback) {
	if cb == nil {
		s.callback.Store(nil)
		return
	}

	s.callback.Store(&cb)
}

func (s *EventServer) requestCallback() RequestCallback {
	if cb := s.callback.Load(); cb != nil {
		return *cb
	}

	return nil
}

// State returns the lifecycle state.
func (s *EventServer) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Start binds port and runs the event loops in the background. It returns
// once the engine is accepting connections or has failed to start.
func (s *EventServer) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerIdle {
		return &ListenError{Port: port, Err: ErrServerStarted}
	}

	if err := validPort(port); err != nil {
		return err
	}

	if s.conns == nil {
		s.conns = newRegistry()
	}

	if s.draining == nil {
		s.draining = xsync.NewMapOf[gnet.Conn, *gnetSocket]()
	}

	options := []gnet.Option{
		gnet.WithMulticore(s.Multicore),
		gnet.WithReusePort(s.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTicker(true),
		gnet.WithLogger(gnetLogger{s}),
	}

	if s.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.NumEventLoop))
	}

	s.booted = make(chan struct{})
	s.done = make(chan struct{})

	errc := make(chan error, 1)

	go func() {
		defer close(s.done)
		errc <- gnet.Run(s, fmt.Sprintf("tcp4://:%d", port), options...)
	}()

	select {
	case <-s.booted:
	case err := <-errc:
		if err == nil {
			err = fmt.Errorf("event loop exited during startup")
		}

		return listenFailure(port, err)
	}

	s.state = ServerListening
	s.addr = &net.TCPAddr{IP: net.IPv4zero, Port: port}

	return nil
}

// Stop shuts the engine down and stops accepting. Unlike Server.Stop the
// event loops own every socket, so connections still in flight are closed
// along with it.
func (s *EventServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerListening {
		return
	}

	s.state = ServerStopped

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.engine.Stop(ctx); err != nil {
		s.logf("http: stopping event loops: %v", err)
	}

	<-s.done
}

// Addr returns the listening address, or nil unless listening.
func (s *EventServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ServerListening {
		return nil
	}

	return s.addr
}

// OnBoot is called when the engine is ready to accept connections.
func (s *EventServer) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	close(s.booted)

	return gnet.None
}

// OnOpen is called when a new connection is accepted.
func (s *EventServer) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	c := newConn(s, &gnetSocket{c: gc, draining: s.draining})
	gc.SetContext(c)
	s.conns.add(c)

	return nil, gnet.None
}

// OnTraffic is called when data is readable on a connection.
func (s *EventServer) OnTraffic(gc gnet.Conn) gnet.Action {
	c, ok := gc.Context().(*Conn)
	if !ok {
		return gnet.Close
	}

	buf, err := gc.Next(-1)
	if err != nil {
		// A failed read counts as no data.
		s.logf("http: read from %v: %v", c.remoteAddr, err)

		return gnet.None
	}

	c.receive(buf)

	return gnet.None
}

// OnClose is called when a connection is closed, by either side.
func (s *EventServer) OnClose(gc gnet.Conn, err error) gnet.Action {
	c, ok := gc.Context().(*Conn)
	if !ok {
		return gnet.None
	}

	if err != nil && !isCommonNetReadError(err) {
		s.logf("http: connection %v closed: %v", c.remoteAddr, err)
	}

	s.draining.Delete(gc)
	c.socketClosed()

	return gnet.None
}

// OnTick retries the close of every socket still flushing its response.
func (s *EventServer) OnTick() (time.Duration, gnet.Action) {
	s.draining.Range(func(gc gnet.Conn, g *gnetSocket) bool {
		if err := gc.AsyncWrite(nil, g.closeWhenDrained); err != nil {
			s.draining.Delete(gc)
		}

		return true
	})

	return drainInterval, gnet.None
}

func (s *EventServer) removeConn(c *Conn) {
	s.conns.remove(c)
}

func (s *EventServer) logf(format string, args ...any) {
	if s.ErrorLog != nil {
		s.ErrorLog.Printf(format, args...)

		return
	}

	log.Printf(format, args...)
}

func (s *EventServer) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}

	return DefaultMaxHeaderBytes
}

// gnetSocket adapts a gnet.Conn to socket. Writes and the close are queued
// on the connection's event loop, so a response may be sent from any
// goroutine and always goes out before the close.
type gnetSocket struct {
	c        gnet.Conn
	draining *xsync.MapOf[gnet.Conn, *gnetSocket]
}

func (g *gnetSocket) Write(p []byte) (int, error) {
	// The loop writes later; p belongs to the caller.
	buf := make([]byte, len(p))
	copy(buf, p)

	if err := g.c.AsyncWrite(buf, nil); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close is queued behind the pending writes like one more write. The
// socket is only closed once gnet has nothing left to send on it; a
// plain gnet close drops whatever the kernel did not take yet.
func (g *gnetSocket) Close() error {
	return g.c.AsyncWrite(nil, g.closeWhenDrained)
}

// closeWhenDrained runs on the event loop.
func (g *gnetSocket) closeWhenDrained(gc gnet.Conn, err error) error {
	if err != nil {
		// Already closed, or the write failed and gnet closed it.
		g.draining.Delete(gc)
		return nil
	}

	if gc.OutboundBuffered() > 0 {
		g.draining.Store(gc, g)
		return nil
	}

	g.draining.Delete(gc)

	return gc.Close()
}

func (g *gnetSocket) RemoteAddr() net.Addr {
	return g.c.RemoteAddr()
}

// gnetLogger sends gnet's own warnings and errors to the server's
// ErrorLog. Debug and info output is dropped.
type gnetLogger struct {
	s *EventServer
}

var _ logging.Logger = gnetLogger{}

func (gnetLogger) Debugf(string, ...any) {}

func (gnetLogger) Infof(string, ...any) {}

func (l gnetLogger) Warnf(format string, args ...any) {
	l.s.logf("gnet: "+format, args...)
}

func (l gnetLogger) Errorf(format string, args ...any) {
	l.s.logf("gnet: "+format, args...)
}

func (l gnetLogger) Fatalf(format string, args ...any) {
	if l.s.ErrorLog != nil {
		l.s.ErrorLog.Fatalf("gnet: "+format, args...)
	}

	log.Fatalf("gnet: "+format, args...)
}
