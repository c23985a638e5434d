package pkg

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
	"myHttpCore/internal"
)

// hasToken reports whether token appears with v as a whole list element.
// token must be all lowercase.
func hasToken(v, token string) bool {
	return internal.HasToken(v, token)
}

// NumLeadingCRorLF counts the stray CR/LF bytes some clients send before
// the request line.
func NumLeadingCRorLF(v []byte) (n int) {
	for _, b := range v {
		if b == '\r' || b == '\n' {
			n++
			continue
		}

		break
	}

	return
}

func badStringError(what, val string) error {
	return fmt.Errorf("%s %q", what, val)
}

func isNotToken(r rune) bool {
	return !httpguts.IsTokenRune(r)
}

// ValidMethod reports whether method is a syntactically valid token.
func ValidMethod(method string) bool {
	/*
	     Method         = "OPTIONS"                ; Section 9.2
	                    | "GET"                    ; Section 9.3
	                    | "HEAD"                   ; Section 9.4
	                    | "POST"                   ; Section 9.5
	                    | "PUT"                    ; Section 9.6
	                    | "DELETE"                 ; Section 9.7
	                    | "TRACE"                  ; Section 9.8
	                    | "CONNECT"                ; Section 9.9
	                    | extension-method
	   extension-method = token
	     token          = 1*<any CHAR except CTLs or separators>
	*/
	return len(method) > 0 && strings.IndexFunc(method, isNotToken) == -1
}
