package pkg

import (
	"errors"
	"io"
	"net"
)

// socket is the part of an accepted connection a Conn needs. A net.Conn
// satisfies it, and so does the gnet adapter in eventloop.go.
type socket interface {
	Write(p []byte) (n int, err error)
	Close() error
	RemoteAddr() net.Addr
}

// unsupportedTEError reports unsupported transfer-encodings.
type unsupportedTEError struct {
	err string
}

func (uste *unsupportedTEError) Error() string {
	return uste.err
}

// isUnsupportedTEError checks if the error is of type
// unsupportedTEError. It is usually invoked with a non-nil err.
func isUnsupportedTEError(err error) bool {
	var unsupported *unsupportedTEError

	return errors.As(err, &unsupported)
}

// isCommonNetReadError reports whether err is the usual way a peer goes
// away, as opposed to something worth logging.
func isCommonNetReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var neterr net.Error
	if errors.As(err, &neterr) && neterr.Timeout() {
		return true
	}

	var oe *net.OpError

	return errors.As(err, &oe) && oe.Op == "read"
}
