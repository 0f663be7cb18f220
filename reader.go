package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	maxLineSize    = 8 << 10
	maxHeaderLines = 100
)

// errNoRequest is reported when the peer closes before sending any byte.
var errNoRequest = errors.New("connection closed before request")

type baseReader struct {
	r     *bufio.Reader
	errCh chan error
}

func (r *baseReader) ErrorOccurred() <-chan error {
	return r.errCh
}

// similar to readLineSlice() in net/textproto/reader.go
func (r *baseReader) readLine() (string, error) {
	var line []byte
	for {
		l, more, err := r.r.ReadLine()
		if err != nil {
			return "", err
		}
		if line == nil && !more {
			return string(l), nil
		}
		line = append(line, l...)
		if len(line) > maxLineSize {
			return "", protocolError(431, "Request Header Fields Too Large")
		}
		if !more {
			break
		}
	}
	return string(line), nil
}

func (r *baseReader) readHeaders() (HTTPHeader, error) {
	var headers HTTPHeader
	for n := 0; ; n++ {
		if n > maxHeaderLines {
			return nil, protocolError(431, "Request Header Fields Too Large")
		}
		line, err := r.readLine()
		if err != nil {
			var perr *Error
			if errors.As(err, &perr) {
				return nil, perr
			}
			return nil, protocolError(400, "Failed to read headers")
		}
		if len(line) == 0 {
			break
		}
		fs := strings.SplitN(line, ":", 2)
		if len(fs) != 2 {
			return nil, protocolError(400, "Invalid header format")
		}
		name := strings.TrimSpace(fs[0])
		value := strings.TrimSpace(fs[1])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, protocolError(400, "Invalid header: %q", name)
		}
		headers.Add(name, value)
	}
	return headers, nil
}

// RequestReader reads one HTTP/1.x request, body included
type RequestReader struct {
	baseReader
	req         *Request
	reqCh       chan *Request
	maxBodySize int
}

func NewRequestReader(r io.Reader, maxBodySize int) *RequestReader {
	var br *bufio.Reader
	if casted, ok := r.(*bufio.Reader); ok {
		br = casted
	} else {
		br = bufio.NewReader(r)
	}
	rr := &RequestReader{
		baseReader{br, make(chan error)},
		&Request{},
		make(chan *Request),
		maxBodySize,
	}
	return rr
}

func (r *RequestReader) Start() {
	go func() {
		if err := r.readRequestLine(); err != nil {
			r.errCh <- err
			return
		}
		if err := r.readRequestHeaders(); err != nil {
			r.errCh <- err
			return
		}
		if err := r.readBody(); err != nil {
			r.errCh <- err
			return
		}
		if err := r.parseBody(); err != nil {
			r.errCh <- err
			return
		}
		r.req.Cookies = parseCookies(strings.Join(r.req.Headers.Values("cookie"), "; "))
		r.reqCh <- r.req
	}()
}

func (r *RequestReader) RequestReceived() <-chan *Request {
	return r.reqCh
}

func (r *RequestReader) readRequestLine() error {
	rl, err := r.readLine()
	if err != nil {
		if err == io.EOF {
			return errNoRequest
		}
		var perr *Error
		if errors.As(err, &perr) {
			return &Error{Code: 414, Message: "URI Too Long"}
		}
		return protocolError(400, "Failed to read request line: %v", err)
	}
	fields := strings.Split(rl, " ")
	if len(fields) != 3 {
		return protocolError(400, "Invalid request line")
	}
	method, target, version := fields[0], fields[1], fields[2]
	if !httpguts.ValidHeaderFieldName(method) {
		return protocolError(400, "Invalid method")
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return protocolError(505, "HTTP Version Not Supported")
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return protocolError(400, "Invalid request target")
	}
	r.req.Method = method
	r.req.URI = target
	r.req.Path = u.Path
	r.req.RawQuery = u.RawQuery
	r.req.Version = version
	return nil
}

func (r *RequestReader) readRequestHeaders() error {
	headers, err := r.readHeaders()
	if err == nil {
		r.req.Headers = headers
	}
	return err
}

func (r *RequestReader) readBody() error {
	h := r.req.Headers
	if te := h.Get("transfer-encoding"); te != "" {
		if !strings.EqualFold(te, "chunked") {
			return protocolError(501, "Unsupported Transfer-Encoding: %s", te)
		}
		body, err := io.ReadAll(io.LimitReader(NewChunkedReader(r.r), int64(r.maxBodySize)+1))
		if err != nil {
			return protocolError(400, "Invalid chunked body: %v", err)
		}
		if len(body) > r.maxBodySize {
			return protocolError(413, "Payload Too Large")
		}
		r.req.Body = body
		return nil
	}
	if !h.Has("content-length") {
		return nil
	}
	cl, err := strconv.Atoi(h.Get("content-length"))
	if err != nil || cl < 0 {
		return protocolError(400, "Invalid Content-Length")
	}
	if cl > r.maxBodySize {
		return protocolError(413, "Payload Too Large")
	}
	if cl == 0 {
		return nil
	}
	body := make([]byte, cl)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return protocolError(400, "Incomplete body: %v", err)
	}
	r.req.Body = body
	return nil
}

func (r *RequestReader) parseBody() error {
	ct := r.req.Headers.Get("content-type")
	if ct == "" || len(r.req.Body) == 0 {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil // opaque body, left to the application
	}
	switch mediaType {
	case "application/x-www-form-urlencoded":
		form, err := parseURLEncoded(string(r.req.Body))
		if err != nil {
			return protocolError(400, "Invalid form body")
		}
		r.req.Form = form
	case "multipart/form-data":
		if params["boundary"] == "" {
			return protocolError(400, "Missing multipart boundary")
		}
		return r.parseMultipart(params["boundary"])
	}
	return nil
}

func (r *RequestReader) parseMultipart(boundary string) error {
	mr := multipart.NewReader(bytes.NewReader(r.req.Body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return protocolError(400, "Invalid multipart body: %v", err)
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return protocolError(400, "Invalid multipart body: %v", err)
		}
		if part.FileName() != "" {
			r.req.Files = append(r.req.Files, UploadedFile{
				Field:       part.FormName(),
				Filename:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Content:     content,
			})
		} else if name := part.FormName(); name != "" {
			r.req.Form = append(r.req.Form, FormField{name, string(content)})
		}
		part.Close()
	}
}

// parseURLEncoded keeps field order, unlike url.ParseQuery.
func parseURLEncoded(s string) ([]FormField, error) {
	var form []FormField
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		form = append(form, FormField{key, value})
	}
	return form, nil
}

func parseCookies(line string) map[string]string {
	cookies := make(map[string]string)
	for _, c := range strings.Split(line, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(c), "=")
		if !ok || name == "" {
			continue
		}
		cookies[name] = strings.Trim(value, `"`)
	}
	return cookies
}
