package main

import (
	"io/fs"
	"path"
	"strings"
)

// Requests under these prefixes never reach the kernel.
var staticPrefixes = []string{"/build", "/vendor"}

var staticTypes = map[string]string{
	".css": "text/css",
	".js":  "application/javascript",
}

func isStaticPath(p string) bool {
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// serveStatic looks p up in the public root. Directories, paths escaping the
// root and unreadable files all count as not found.
func serveStatic(public fs.FS, p string) *Response {
	name := strings.TrimPrefix(p, "/")
	if public != nil && fs.ValidPath(name) {
		if content, err := fs.ReadFile(public, name); err == nil {
			var h HTTPHeader
			if ct, ok := staticTypes[path.Ext(name)]; ok {
				h.Set("Content-Type", ct)
			}
			return &Response{
				Version: "HTTP/1.1",
				Status:  200,
				Phrase:  statusPhrase(200),
				Headers: h,
				Body:    content,
			}
		}
	}
	return &Response{
		Version: "HTTP/1.1",
		Status:  404,
		Phrase:  statusPhrase(404),
		Headers: HTTPHeader{},
		Body:    []byte("File not found"),
	}
}
