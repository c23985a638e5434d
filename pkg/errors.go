package pkg

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"
)

// ErrServerStarted is wrapped in a ListenError when Start is called on a
// server that has already left the idle state.
var ErrServerStarted = errors.New("http: server already started")

// errTooLarge is reported when a header block outgrows MaxHeaderBytes.
var errTooLarge = errors.New("http: request too large")

// BindError reports that the listening port could not be bound: it is in
// use, out of range, or needs privileges the process lacks.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("http: cannot bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ListenError reports any other failure to set up the listening socket.
type ListenError struct {
	Port int
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("http: cannot listen on port %d: %v", e.Port, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// IsBindError reports whether err is, or wraps, a *BindError.
func IsBindError(err error) bool {
	var be *BindError

	return errors.As(err, &be)
}

// IsListenError reports whether err is, or wraps, a *ListenError.
func IsListenError(err error) bool {
	var le *ListenError

	return errors.As(err, &le)
}

// listenFailure classifies an error from opening a listener on port.
func listenFailure(port int, err error) error {
	switch {
	case errors.Is(err, syscall.EADDRINUSE),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EADDRNOTAVAIL):
		return &BindError{Port: port, Err: err}
	}

	return &ListenError{Port: port, Err: err}
}

func validPort(port int) error {
	if port <= 0 || port > 65535 {
		return &BindError{Port: port, Err: fmt.Errorf("invalid port")}
	}

	return nil
}

// badRequestError is a literal string to tell the user why their request
// was bad. It should be plain text without user info or other embedded
// errors.
func badRequestError(e string) error {
	return statusError{http.StatusBadRequest, e}
}

// statusError is an error used to respond to a request with an HTTP status.
// The text should be plain text without user info or other embedded errors.
type statusError struct {
	code int
	text string
}

func (e statusError) Error() string { return http.StatusText(e.code) + ": " + e.text }
