package main

import (
	"fmt"
	"net/url"
	"strings"
)

// HeaderField is one header name with all of its values in arrival order.
type HeaderField struct {
	Name   string
	Values []string
}

// HTTPHeader keeps header names in the order they were first seen.
// Not map[string][]string, unlike http.Header
type HTTPHeader []HeaderField

func (h HTTPHeader) index(name string) int {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the first value of name, or "".
func (h HTTPHeader) Get(name string) string {
	if i := h.index(name); i >= 0 && len(h[i].Values) > 0 {
		return h[i].Values[0]
	}
	return ""
}

// Values returns all values of name.
func (h HTTPHeader) Values(name string) []string {
	if i := h.index(name); i >= 0 {
		return h[i].Values
	}
	return nil
}

func (h HTTPHeader) Has(name string) bool {
	return h.index(name) >= 0
}

// Add appends value to name, keeping the position of an existing name.
func (h *HTTPHeader) Add(name, value string) {
	if i := h.index(name); i >= 0 {
		(*h)[i].Values = append((*h)[i].Values, value)
		return
	}
	*h = append(*h, HeaderField{Name: name, Values: []string{value}})
}

// Set replaces all values of name.
func (h *HTTPHeader) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		(*h)[i].Values = []string{value}
		return
	}
	*h = append(*h, HeaderField{Name: name, Values: []string{value}})
}

func (h HTTPHeader) Clone() HTTPHeader {
	if h == nil {
		return nil
	}
	c := make(HTTPHeader, len(h))
	for i, f := range h {
		c[i] = HeaderField{Name: f.Name, Values: append([]string(nil), f.Values...)}
	}
	return c
}

// FormField is one decoded body field. Order matters for nested decoding.
type FormField struct {
	Name  string
	Value string
}

// UploadedFile is a file part of a multipart/form-data body.
type UploadedFile struct {
	Field       string
	Filename    string
	ContentType string
	Content     []byte
}

// Request is a request as read off the wire. It is not modified after
// RequestReader delivers it.
type Request struct {
	Method       string
	URI          string
	Path         string
	RawQuery     string
	Version      string
	Headers      HTTPHeader
	Cookies      map[string]string
	Form         []FormField
	Files        []UploadedFile
	Body         []byte
	ServerParams map[string]string
}

// Response is a response ready to be written to the connection.
type Response struct {
	Version string
	Status  int
	Phrase  string
	Headers HTTPHeader
	Body    []byte
}

// AppRequest is the request handed to the Kernel.
type AppRequest struct {
	Method     string
	Path       string
	Query      url.Values
	Form       map[string]any // values are string or map[string]any
	Attributes map[string]string
	Cookies    map[string]string
	Files      []UploadedFile
	Server     map[string]string
	Content    []byte
}

// ResponseBase holds what every application response carries.
type ResponseBase struct {
	Status  int
	Headers HTTPHeader
	Version string // "1.1", "1.0"; empty means "1.1"
}

func (b *ResponseBase) base() *ResponseBase { return b }

// AppResponse is implemented by PlainResponse, JSONResponse, RedirectResponse
// and FileResponse. Anything else is refused by TranslateResponse.
type AppResponse interface {
	base() *ResponseBase
}

type PlainResponse struct {
	ResponseBase
	Body []byte
}

type JSONResponse struct {
	ResponseBase
	Body []byte
}

// RedirectResponse carries the target in its Location header.
type RedirectResponse struct {
	ResponseBase
	Body []byte
}

// FileResponse is served by reading Path in full.
type FileResponse struct {
	ResponseBase
	Path string
}

// Kernel turns one AppRequest into one AppResponse.
type Kernel interface {
	Handle(req *AppRequest) (AppResponse, error)
}

// KernelFunc adapts a function to Kernel.
type KernelFunc func(req *AppRequest) (AppResponse, error)

func (f KernelFunc) Handle(req *AppRequest) (AppResponse, error) { return f(req) }

// Events observes the request lifecycle. res may be nil.
type Events interface {
	RequestReceived(req *AppRequest)
	RequestHandled(req *AppRequest, res AppResponse)
	RequestTerminated(req *AppRequest, res AppResponse)
}

// Error is the error record shared by connections and the accept loop.
type Error struct {
	Code    int
	Message string
	Fatal   bool // terminates the accept loop instead of one connection
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func protocolError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var ResponseInternalError = &Response{
	Version: "HTTP/1.1",
	Status:  500,
	Phrase:  "Internal Server Error",
	Body:    []byte("Internal Server Error"),
}
