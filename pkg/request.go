package pkg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is a request whose header block has been received in full.
// Body grows while the connection is still receiving and must be treated
// as read-only once the request is handed to a RequestCallback.
type Request struct {
	Method     string
	RequestURI string
	URL        *url.URL
	Proto      string
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Host       string

	// ContentLength is the declared body length, or 0 when the header
	// is absent.
	ContentLength int64

	Body *bytes.Buffer
}

// Path returns the path component of the request target.
func (r *Request) Path() string {
	if r.URL == nil {
		return ""
	}

	return r.URL.Path
}

// ProtoAtLeast reports whether the HTTP protocol used
// in the request is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major ||
		r.ProtoMajor == major && r.ProtoMinor >= minor
}

// ExpectsBody reports whether the connection should wait for a body.
// Only POST and PUT with a positive Content-Length carry one.
func (r *Request) ExpectsBody() bool {
	if r.ContentLength <= 0 {
		return false
	}

	return r.Method == http.MethodPost || r.Method == http.MethodPut
}

// parseRequestLine parses "GET /foo HTTP/1.1" into its three parts.
func parseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")

	if !ok1 || !ok2 {
		return "", "", "", false
	}

	return method, requestURI, proto, true
}

// ParseRequest parses a complete header block, the request line through
// the terminating blank line. Any bytes after the blank line are left to
// the caller.
func ParseRequest(header []byte) (req *Request, err error) {
	header = header[NumLeadingCRorLF(header):]
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(header)))

	req = &Request{Body: new(bytes.Buffer)}

	var s string

	// First line: GET /index.html HTTP/1.0
	if s, err = tp.ReadLine(); err != nil {
		return nil, err
	}

	defer func() {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
	}()

	var ok bool
	req.Method, req.RequestURI, req.Proto, ok = parseRequestLine(s)

	if !ok {
		return nil, badStringError("malformed HTTP request", s)
	}

	if !ValidMethod(req.Method) {
		return nil, badStringError("invalid method", req.Method)
	}

	if req.ProtoMajor, req.ProtoMinor, ok = http.ParseHTTPVersion(req.Proto); !ok {
		return nil, badStringError("malformed HTTP version", req.Proto)
	}

	rawurl := req.RequestURI

	// CONNECT carries an authority, not a path.
	justAuthority := req.Method == http.MethodConnect && !strings.HasPrefix(rawurl, "/")
	if justAuthority {
		rawurl = "http://" + rawurl
	}

	if req.URL, err = url.ParseRequestURI(rawurl); err != nil {
		return nil, err
	}

	if justAuthority {
		req.URL.Scheme = ""
	}

	// Subsequent lines: Key: value.
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	req.Header = http.Header(mimeHeader)

	for k, vv := range req.Header {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, badStringError("invalid header name", k)
		}

		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, badStringError("invalid header value for", k)
			}
		}
	}

	if len(req.Header["Host"]) > 1 {
		return nil, badRequestError("too many Host headers")
	}

	// RFC 7230, section 5.3: an absolute-form target wins over Host.
	req.Host = req.URL.Host
	if req.Host == "" {
		req.Host = GetHeader(req.Header, "Host")
	}

	fixPragmaCacheControl(req.Header)

	if err = checkTransferEncoding(req.Header); err != nil {
		return nil, err
	}

	if req.ContentLength, err = parseContentLength(req.Header["Content-Length"]); err != nil {
		return nil, err
	}

	return req, nil
}

// parseContentLength returns the declared length. Repeated headers must
// agree.
func parseContentLength(values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	first := textproto.TrimString(values[0])
	for _, v := range values[1:] {
		if textproto.TrimString(v) != first {
			return 0, badStringError("invalid Content-Length", strings.Join(values, ","))
		}
	}

	n, err := strconv.ParseUint(first, 10, 63)
	if err != nil {
		return 0, badStringError("bad Content-Length", first)
	}

	return int64(n), nil
}

// checkTransferEncoding rejects any coding but identity; request bodies
// are only framed by Content-Length here.
func checkTransferEncoding(h http.Header) error {
	raw, present := h["Transfer-Encoding"]
	if !present {
		return nil
	}

	for _, v := range raw {
		if !strings.EqualFold(textproto.TrimString(v), "identity") {
			return &unsupportedTEError{fmt.Sprintf("unsupported transfer encoding: %q", v)}
		}
	}

	return nil
}

func ExpectsContinue(r *Request) bool {
	return hasToken(GetHeader(r.Header, "Expect"), "100-continue")
}

func GetHeader(h http.Header, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}

	return ""
}

func HasHeader(h http.Header, key string) bool {
	_, ok := h[key]

	return ok
}

func fixPragmaCacheControl(header http.Header) {
	if hp, ok := header["Pragma"]; ok && len(hp) > 0 && hp[0] == "no-cache" {
		if _, presentcc := header["Cache-Control"]; !presentcc {
			header["Cache-Control"] = []string{"no-cache"}
		}
	}
}
