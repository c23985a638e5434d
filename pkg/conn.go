package pkg

import (
	"bytes"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// A ConnState represents the state of a client connection.
type ConnState int

const (
	// StateReceivingHeaders is the initial state: bytes are collected
	// until the blank line that ends the header block.
	StateReceivingHeaders ConnState = iota

	// StateReceivingBody means the headers declared a body that has not
	// fully arrived yet.
	StateReceivingBody

	// StatePendingResponse means the request was handed to the callback
	// and exactly one SendResponse is now permitted.
	StatePendingResponse

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateReceivingHeaders: "receiving-headers",
	StateReceivingBody:    "receiving-body",
	StatePendingResponse:  "pending-response",
	StateClosed:           "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}

// ResponseSink is handed to a RequestCallback together with the request.
// SendResponse writes the fully serialized response, then closes the
// connection. Only the first call has any effect.
type ResponseSink interface {
	SendResponse(p []byte)
}

// RequestCallback is invoked once per fully received request. The return
// value is currently ignored.
type RequestCallback func(req *Request, w ResponseSink) bool

// connOwner is what a Conn knows about the server that accepted it.
type connOwner interface {
	requestCallback() RequestCallback
	removeConn(c *Conn)
	maxHeaderBytes() int
	logf(format string, args ...any)
}

// rstAvoidanceDelay is the amount of time we sleep after closing the
// write side of a TCP connection before closing the entire socket.
// By sleeping, we increase the chances that the client sees our FIN
// and processes its final data before they process the subsequent RST
// from closing a connection with known unread data.
const rstAvoidanceDelay = 500 * time.Millisecond

var (
	doubleCRLF   = []byte("\r\n\r\n")
	continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)

var lastConnID atomic.Uint64

// Conn runs the request-reception state machine of one accepted socket.
type Conn struct {
	id uint64

	// owner is the server on which the connection arrived.
	// Immutable; never nil.
	owner connOwner

	// rwc is the underlying network connection.
	rwc socket

	remoteAddr string

	mu sync.Mutex // guards the fields below

	state ConnState

	// header accumulates bytes until the header block is complete.
	header []byte

	// bodyLength is the declared Content-Length being waited for.
	bodyLength int64

	// req is the request whose body is still arriving.
	req *Request
}

func newConn(owner connOwner, rwc socket) *Conn {
	c := &Conn{
		id:    lastConnID.Add(1),
		owner: owner,
		rwc:   rwc,
	}

	if ra := rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}

	return c
}

// ID returns the identifier that is unique among all connections of the
// process.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address as seen at accept time.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// State returns the current state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// receive feeds one chunk read off the socket into the state machine.
func (c *Conn) receive(p []byte) {
	if len(p) == 0 {
		return
	}

	c.mu.Lock()

	req, err := c.receiveLocked(p)
	if err != nil {
		c.replyErrorLocked(err)
		c.mu.Unlock()
		c.owner.removeConn(c)

		return
	}

	c.mu.Unlock()

	if req != nil {
		c.dispatch(req)
	}
}

// receiveLocked returns the request once it is complete.
func (c *Conn) receiveLocked(p []byte) (*Request, error) {
	switch c.state {
	case StateReceivingHeaders:
		c.header = append(c.header, p...)

		if n := NumLeadingCRorLF(c.header); n > 0 {
			c.header = c.header[n:]
		}

		// The delimiter may straddle the previous chunk.
		start := len(c.header) - len(p) - (len(doubleCRLF) - 1)
		if start < 0 {
			start = 0
		}

		i := bytes.Index(c.header[start:], doubleCRLF)
		if i < 0 {
			if len(c.header) > c.owner.maxHeaderBytes() {
				return nil, errTooLarge
			}

			return nil, nil
		}

		end := start + i + len(doubleCRLF)
		if end > c.owner.maxHeaderBytes() {
			return nil, errTooLarge
		}

		req, err := ParseRequest(c.header[:end])
		if err != nil {
			return nil, err
		}

		if GetHeader(req.Header, "Expect") != "" && !ExpectsContinue(req) {
			return nil, statusError{http.StatusExpectationFailed, "unsupported Expect header"}
		}

		if !req.ExpectsBody() {
			return c.completeLocked(req), nil
		}

		c.bodyLength = req.ContentLength
		c.appendBodyLocked(req, c.header[end:])

		if int64(req.Body.Len()) >= c.bodyLength {
			return c.completeLocked(req), nil
		}

		c.header = nil
		c.req = req
		c.state = StateReceivingBody

		if ExpectsContinue(req) && req.ProtoAtLeast(1, 1) {
			if _, err := c.rwc.Write(continueLine); err != nil {
				c.owner.logf("http: writing 100 Continue to %v: %v", c.remoteAddr, err)
			}
		}

		return nil, nil

	case StateReceivingBody:
		req := c.req
		c.appendBodyLocked(req, p)

		if int64(req.Body.Len()) >= c.bodyLength {
			return c.completeLocked(req), nil
		}
	}

	// Nothing more is read once the request is complete.
	return nil, nil
}

// appendBodyLocked appends p to the body, dropping anything past the
// declared length.
func (c *Conn) appendBodyLocked(req *Request, p []byte) {
	if need := c.bodyLength - int64(req.Body.Len()); int64(len(p)) > need {
		p = p[:need]
	}

	req.Body.Write(p)
}

func (c *Conn) completeLocked(req *Request) *Request {
	c.header = nil
	c.req = nil
	c.bodyLength = 0
	c.state = StatePendingResponse

	return req
}

// dispatch hands a complete request to the server's callback. It runs
// without c.mu so the callback may call SendResponse right away.
func (c *Conn) dispatch(req *Request) {
	cb := c.owner.requestCallback()
	if cb == nil {
		return
	}

	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.owner.logf("http: panic serving %v: %v\n%s", c.remoteAddr, err, buf)
			c.socketClosed()
		}
	}()

	cb(req, c)
}

// SendResponse writes p and closes the connection. It does nothing unless
// the request has been fully received and no response was sent yet.
func (c *Conn) SendResponse(p []byte) {
	c.mu.Lock()

	if c.state != StatePendingResponse {
		c.mu.Unlock()
		return
	}

	c.state = StateClosed

	if _, err := c.rwc.Write(p); err != nil {
		c.owner.logf("http: writing response to %v: %v", c.remoteAddr, err)
	}

	c.rwc.Close()
	c.mu.Unlock()

	c.owner.removeConn(c)
}

// socketClosed is called when the peer went away or the socket failed.
// It releases the socket and deregisters the connection, whatever state
// it was in.
func (c *Conn) socketClosed() {
	c.mu.Lock()

	if c.state == StateClosed {
		// Whoever closed it already deregistered it.
		c.mu.Unlock()
		return
	}

	c.state = StateClosed
	c.header = nil
	c.req = nil
	c.rwc.Close()
	c.mu.Unlock()

	c.owner.removeConn(c)
}

// replyErrorLocked answers a request that cannot be served and closes the
// connection.
func (c *Conn) replyErrorLocked(err error) {
	const errorHeaders = "\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n"

	c.state = StateClosed
	c.header = nil
	c.req = nil

	c.owner.logf("http: bad request from %v: %v", c.remoteAddr, err)

	switch v := err.(type) {
	case statusError:
		fmt.Fprintf(c.rwc,
			"HTTP/1.1 %d %s: %s%s%d %s: %s",
			v.code,
			http.StatusText(v.code),
			v.text,
			errorHeaders,
			v.code,
			http.StatusText(v.code),
			v.text,
		)

	default:
		switch {
		case err == errTooLarge:
			// The client may still be writing; give it a chance to
			// read this before the connection resets.
			const publicErr = "431 Request Header Fields Too Large"

			fmt.Fprintf(c.rwc, "HTTP/1.1 "+publicErr+errorHeaders+publicErr)
			c.closeWriteAndWait()

		case isUnsupportedTEError(err):
			// RFC 7230 Section 3.3.1: unknown codings get a 501.
			code := http.StatusNotImplemented

			fmt.Fprintf(
				c.rwc,
				"HTTP/1.1 %d %s%sUnsupported transfer encoding",
				code,
				http.StatusText(code),
				errorHeaders,
			)

		default:
			const publicErr = "400 Bad Request"
			fmt.Fprintf(c.rwc, "HTTP/1.1 "+publicErr+errorHeaders+publicErr)
		}
	}

	c.rwc.Close()
}

// closeWriter is the interface a connection implements to support
// half-closing the write side.
type closeWriter interface {
	CloseWrite() error
}

// closeWriteAndWait flushes any outstanding data and sends a FIN packet (if
// client is connected via TCP), signaling that we're done. We then
// pause for a bit, hoping the client processes it before any
// subsequent RST.
func (c *Conn) closeWriteAndWait() {
	if tcp, ok := c.rwc.(closeWriter); ok {
		_ = tcp.CloseWrite()
		time.Sleep(rstAvoidanceDelay)
	}
}
