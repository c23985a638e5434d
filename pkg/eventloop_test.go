package pkg

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEventServer(t *testing.T, cb RequestCallback) (*EventServer, int) {
	t.Helper()

	s := NewEventServer()
	s.NumEventLoop = 2
	s.ErrorLog = log.New(io.Discard, "", 0)
	s.SetRequestCallback(cb)

	port := freePort(t)
	require.NoError(t, s.Start(port))
	t.Cleanup(s.Stop)

	return s, port
}

func TestEventServerEndToEnd(t *testing.T) {
	reqs := make(chan *Request, 1)

	s, port := startEventServer(t, func(req *Request, w ResponseSink) bool {
		reqs <- req
		w.SendResponse([]byte(okResponse))

		return true
	})

	assert.Equal(t, ServerListening, s.State())
	assert.Equal(t, port, s.Addr().(*net.TCPAddr).Port)

	conn := dial(t, port)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHo"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = conn.Write([]byte("st: x\r\n\r\n"))
	require.NoError(t, err)

	assert.Equal(t, okResponse, readAll(t, conn))

	req := <-reqs
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/", req.Path())
	assert.Equal(t, "x", req.Header.Get("Host"))

	assert.Eventually(t, func() bool { return s.conns.len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventServerResponseFromAnotherGoroutine(t *testing.T) {
	_, port := startEventServer(t, func(req *Request, w ResponseSink) bool {
		go func() {
			time.Sleep(10 * time.Millisecond)
			w.SendResponse([]byte("HTTP/1.1 202 Accepted\r\n\r\n" + req.Body.String()))
		}()

		return true
	})

	conn := dial(t, port)

	_, err := conn.Write([]byte("PUT /x HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc"))
	require.NoError(t, err)

	assert.Equal(t, "HTTP/1.1 202 Accepted\r\n\r\nabc", readAll(t, conn))
}

// largeResponse is far bigger than a socket send buffer, so part of it is
// still queued in user space when SendResponse returns.
func largeResponse() []byte {
	body := bytes.Repeat([]byte("x"), 16<<20)

	return append([]byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body))), body...)
}

func TestEventServerLargeResponse(t *testing.T) {
	resp := largeResponse()

	s, port := startEventServer(t, func(req *Request, w ResponseSink) bool {
		w.SendResponse(resp)

		return true
	})

	conn := dial(t, port)

	_, err := conn.Write([]byte("GET /big HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	// Let the server get to the close while the client is not reading.
	time.Sleep(300 * time.Millisecond)

	got := readAll(t, conn)
	assert.Equal(t, len(resp), len(got))
	assert.True(t, strings.HasSuffix(got, "xxxx"))

	assert.Eventually(t, func() bool { return s.conns.len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.draining.Size() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventServerHeaderCap(t *testing.T) {
	s := NewEventServer()
	s.NumEventLoop = 1
	s.MaxHeaderBytes = 128
	s.ErrorLog = log.New(io.Discard, "", 0)

	port := freePort(t)
	require.NoError(t, s.Start(port))
	t.Cleanup(s.Stop)

	conn := dial(t, port)

	_, err := fmt.Fprintf(conn, "GET / HTTP/1.1\r\nX-Big: %0200d\r\n", 0)
	require.NoError(t, err)

	got := readAll(t, conn)
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 431 Request Header Fields Too Large\r\n"), got)
	assert.Eventually(t, func() bool { return s.conns.len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventServerBadRequest(t *testing.T) {
	s, port := startEventServer(t, nil)

	conn := dial(t, port)

	_, err := conn.Write([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(readAll(t, conn), "HTTP/1.1 501 Not Implemented\r\n"))
	assert.Eventually(t, func() bool { return s.conns.len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventServerPeerClose(t *testing.T) {
	s, port := startEventServer(t, nil)

	conn := dial(t, port)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.conns.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return s.conns.len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventServerBindError(t *testing.T) {
	_, port := startServer(t, nil)

	s := NewEventServer()
	err := s.Start(port)

	assert.True(t, IsBindError(err), "got %T: %v", err, err)
	assert.Equal(t, ServerIdle, s.State())
}

func TestEventServerLifecycle(t *testing.T) {
	s, port := startEventServer(t, nil)

	err := s.Start(port)
	assert.ErrorIs(t, err, ErrServerStarted)

	s.Stop()
	s.Stop()
	assert.Equal(t, ServerStopped, s.State())
	assert.Nil(t, s.Addr())
}
