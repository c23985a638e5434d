package pkg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "net/http context value " + k.name
}

// ConnContextKey is a context key. It can be used in handlers run through
// Adapt with Context.Value to access the connection the request arrived
// on. The associated value will be of type *Conn.
var ConnContextKey = &contextKey{"http-conn"}

var crlf = []byte("\r\n")

var (
	suppressedHeaders304    = []string{"Content-Type", "Content-Length", "Transfer-Encoding"}
	suppressedHeadersNoBody = []string{"Content-Length", "Transfer-Encoding"}
)

const closeStr = "close"

// Adapt turns an http.Handler into a RequestCallback. The handler's output
// is buffered and sent as a single response once ServeHTTP returns.
func Adapt(h http.Handler) RequestCallback {
	return func(req *Request, sink ResponseSink) bool {
		ctx := context.Background()

		hr := &http.Request{
			Method:        req.Method,
			URL:           req.URL,
			Proto:         req.Proto,
			ProtoMajor:    req.ProtoMajor,
			ProtoMinor:    req.ProtoMinor,
			Header:        req.Header,
			Host:          req.Host,
			RequestURI:    req.RequestURI,
			ContentLength: int64(req.Body.Len()),
			Body:          io.NopCloser(bytes.NewReader(req.Body.Bytes())),
			Close:         true,
		}

		if c, ok := sink.(*Conn); ok {
			hr.RemoteAddr = c.RemoteAddr()
			ctx = context.WithValue(ctx, ConnContextKey, c)
		}

		hr = hr.WithContext(ctx)

		w := &response{req: hr, handlerHeader: make(http.Header)}
		h.ServeHTTP(w, hr)
		sink.SendResponse(w.bytes())

		return true
	}
}

// response is the http.ResponseWriter given to adapted handlers. Nothing
// reaches the wire until the handler returns.
type response struct {
	req *http.Request

	handlerHeader http.Header
	wroteHeader   bool
	status        int

	body bytes.Buffer

	dateBuf [len(http.TimeFormat)]byte
	clenBuf [20]byte
}

func (w *response) Header() http.Header {
	return w.handlerHeader
}

func (w *response) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}

	checkWriteHeaderCode(code)

	w.wroteHeader = true
	w.status = code
}

func (w *response) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if !bodyAllowedForStatus(w.status) {
		return 0, http.ErrBodyNotAllowed
	}

	return w.body.Write(p)
}

// bytes serializes the status line, the final header and the body.
func (w *response) bytes() []byte {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	var out bytes.Buffer

	code := w.status
	isHEAD := w.req.Method == http.MethodHead
	header := w.handlerHeader.Clone()

	var setHeader extraHeader

	// The body is complete, so the length is always known.
	header.Del("Transfer-Encoding")

	if bodyAllowedForStatus(code) {
		// If no content type, apply sniffing algorithm to body.
		_, haveType := header["Content-Type"]
		hasCE := header.Get("Content-Encoding") != ""

		if !hasCE && !haveType && w.body.Len() > 0 {
			setHeader.contentType = http.DetectContentType(w.body.Bytes())
		}

		if !HasHeader(header, "Content-Length") && (!isHEAD || w.body.Len() > 0) {
			setHeader.contentLength = strconv.AppendInt(w.clenBuf[:0], int64(w.body.Len()), 10)
		}
	} else {
		for _, k := range suppressedHeaders(code) {
			header.Del(k)
		}
	}

	if !HasHeader(header, "Date") {
		setHeader.date = appendTime(w.dateBuf[:0], time.Now())
	}

	// One request per connection.
	header.Del("Connection")

	if w.req.ProtoAtLeast(1, 1) {
		setHeader.connection = closeStr
	}

	writeStatusLine(&out, w.req.ProtoAtLeast(1, 1), code)
	_ = header.Write(&out)
	setHeader.writeTo(&out)
	out.Write(crlf)

	if !isHEAD && bodyAllowedForStatus(code) {
		out.Write(w.body.Bytes())
	}

	return out.Bytes()
}

// checkWriteHeaderCode panics on anything but a three-digit code.
func checkWriteHeaderCode(code int) {
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
}

// bodyAllowedForStatus reports whether status may carry a body
// (RFC 7230, section 3.3): 1xx, 204 and 304 may not.
func bodyAllowedForStatus(status int) bool {
	informational := status >= 100 && status <= 199

	return !informational && status != http.StatusNoContent && status != http.StatusNotModified
}

func suppressedHeaders(status int) []string {
	switch {
	case status == 304:
		// RFC 7232 section 4.1
		return suppressedHeaders304
	case !bodyAllowedForStatus(status):
		return suppressedHeadersNoBody
	}

	return nil
}

// appendTime appends t in the IMF-fixdate form used by the Date header.
func appendTime(b []byte, t time.Time) []byte {
	return t.UTC().AppendFormat(b, http.TimeFormat)
}

// writeStatusLine writes "HTTP/1.x code text". Codes without a registered
// text still get a reason phrase so the line stays well formed.
func writeStatusLine(out *bytes.Buffer, is11 bool, code int) {
	proto := "HTTP/1.0"
	if is11 {
		proto = "HTTP/1.1"
	}

	text := http.StatusText(code)
	if text == "" {
		text = "status code " + strconv.Itoa(code)
	}

	fmt.Fprintf(out, "%s %03d %s\r\n", proto, code, text)
}

// extraHeader holds the headers response.bytes adds on top of what the
// handler set. Empty fields are not written.
type extraHeader struct {
	contentType   string
	connection    string
	date          []byte
	contentLength []byte
}

func (h extraHeader) writeTo(out *bytes.Buffer) {
	if h.date != nil {
		fmt.Fprintf(out, "Date: %s\r\n", h.date)
	}

	if h.contentLength != nil {
		fmt.Fprintf(out, "Content-Length: %s\r\n", h.contentLength)
	}

	if h.contentType != "" {
		fmt.Fprintf(out, "Content-Type: %s\r\n", h.contentType)
	}

	if h.connection != "" {
		fmt.Fprintf(out, "Connection: %s\r\n", h.connection)
	}
}
