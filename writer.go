package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/http/httpguts"
)

func capitalizeHeader(h string) string {
	ret := []rune(strings.ToLower(h))
	cap := true
	for i, r := range ret {
		if cap && unicode.IsLetter(r) {
			ret[i] = unicode.ToUpper(r)
			cap = false
		}
		if r == '-' {
			cap = true
		}
	}
	return string(ret)
}

// wireVersion turns "1.1" into "HTTP/1.1".
func wireVersion(v string) string {
	switch {
	case v == "":
		return "HTTP/1.1"
	case strings.HasPrefix(v, "HTTP/"):
		return v
	default:
		return "HTTP/" + v
	}
}

func statusPhrase(status int) string {
	if p := http.StatusText(status); p != "" {
		return p
	}
	return "Unknown"
}

// WriteResponse writes res as a complete HTTP/1.x message. Content-Length
// is always computed from the body and the connection is marked as closing.
// Header fields with an invalid name or value are dropped.
func WriteResponse(w io.Writer, res *Response) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %d %s\r\n", wireVersion(res.Version), res.Status, res.Phrase)
	for _, f := range res.Headers {
		switch strings.ToLower(f.Name) {
		case "content-length", "connection", "transfer-encoding":
			continue
		}
		if !httpguts.ValidHeaderFieldName(f.Name) {
			continue
		}
		for _, v := range f.Values {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			fmt.Fprintf(bw, "%s: %s\r\n", capitalizeHeader(f.Name), v)
		}
	}
	fmt.Fprintf(bw, "Content-Length: %s\r\n", strconv.Itoa(len(res.Body)))
	fmt.Fprintf(bw, "Connection: close\r\n")
	fmt.Fprintf(bw, "\r\n")
	bw.Write(res.Body)
	return bw.Flush()
}

// errorResponse is what a connection gets for a local failure.
func errorResponse(code int, message string) *Response {
	var h HTTPHeader
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Version: "HTTP/1.1",
		Status:  code,
		Phrase:  statusPhrase(code),
		Headers: h,
		Body:    []byte(message),
	}
}
