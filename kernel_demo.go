package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var units = map[byte]int{
	'k': 1000,
	'm': 1000 * 1000,
	'g': 1000 * 1000 * 1000,
}

func sizeToInt(s string) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("invalid size")
	}
	var err error
	var m, sz int
	m, ok := units[s[len(s)-1]]
	if ok {
		sz, err = strconv.Atoi(s[:len(s)-1])
	} else {
		m = 1
		sz, err = strconv.Atoi(s)
	}
	if err != nil {
		return 0, err
	}
	return sz * m, nil
}

type asciiChunk struct {
	w           io.Writer
	totalLength int
	wroteSoFar  int
	nextAscii   byte
	posInBuf    int
	buf         [4096]byte
}

func newAsciiChunk(w io.Writer, totalLength int) *asciiChunk {
	c := &asciiChunk{w: w, totalLength: totalLength}
	c.prepareBuf()
	return c
}

func (c *asciiChunk) prepareBuf() {
	for i := 0; i < len(c.buf); i++ {
		for {
			c.nextAscii = (c.nextAscii + 1) % 128
			if strconv.IsPrint(rune(c.nextAscii)) && c.nextAscii != '\n' {
				break
			}
		}
		c.buf[i] = c.nextAscii
	}
}

// Writes a chunk of printable []byte, returns the number of byte written.
func (c *asciiChunk) writeNext() int {
	if c.wroteSoFar >= c.totalLength {
		return 0
	}
	last := min(c.posInBuf+c.totalLength-c.wroteSoFar, len(c.buf))
	n, err := c.w.Write(c.buf[c.posInBuf:last])
	if err != nil {
		c.wroteSoFar = c.totalLength
		return 0
	}
	c.wroteSoFar += n
	c.posInBuf = (c.posInBuf + n) % len(c.buf)
	return n
}

func getSize(vs url.Values) (int, error) {
	if size := vs.Get("size"); size != "" {
		return sizeToInt(size)
	}
	return 0, fmt.Errorf("no size parameter")
}

// demoKernel is the application served by the gear-http-front binary.
type demoKernel struct {
	publicRoot string
	maxAscii   int
}

func plain(status int, body string) *PlainResponse {
	var h HTTPHeader
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &PlainResponse{ResponseBase{Status: status, Headers: h, Version: "1.1"}, []byte(body)}
}

func (k *demoKernel) Handle(req *AppRequest) (AppResponse, error) {
	switch {
	case req.Path == "/":
		return plain(200, "Hello from gear-http-front\n"), nil
	case req.Path == "/post_echo":
		if req.Method != "POST" {
			return plain(400, "POST only\n"), nil
		}
		return &PlainResponse{ResponseBase{Status: 200, Version: "1.1"}, req.Content}, nil
	case req.Path == "/ascii":
		return k.ascii(req.Query)
	case req.Path == "/form":
		body, err := json.Marshal(map[string]any{"query": req.Query, "form": req.Form})
		if err != nil {
			return nil, err
		}
		var h HTTPHeader
		h.Set("Content-Type", "application/json")
		return &JSONResponse{ResponseBase{Status: 200, Headers: h, Version: "1.1"}, body}, nil
	case req.Path == "/go":
		to := req.Query.Get("to")
		if !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") || !httpguts.ValidHeaderFieldValue(to) {
			return plain(400, "invalid redirect target\n"), nil
		}
		var h HTTPHeader
		h.Set("Location", to)
		body := fmt.Sprintf("Redirecting to %s\n", to)
		return &RedirectResponse{ResponseBase{Status: 302, Headers: h, Version: "1.1"}, []byte(body)}, nil
	case strings.HasPrefix(req.Path, "/files/"):
		name := path.Clean(strings.TrimPrefix(req.Path, "/files/"))
		if name == "." || strings.HasPrefix(name, "..") {
			return plain(404, "File not found"), nil
		}
		p := filepath.Join(k.publicRoot, "files", filepath.FromSlash(name))
		if info, err := os.Stat(p); err != nil || !info.Mode().IsRegular() {
			return plain(404, "File not found"), nil
		}
		var h HTTPHeader
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(name)))
		return &FileResponse{ResponseBase{Status: 200, Headers: h, Version: "1.1"}, p}, nil
	}
	return plain(404, "Not Found\n"), nil
}

func (k *demoKernel) ascii(query url.Values) (AppResponse, error) {
	sz, err := getSize(query)
	if err != nil || sz < 1 || sz > k.maxAscii {
		return plain(400, "invalid size\n"), nil
	}
	buf := new(bytes.Buffer)
	chunk := newAsciiChunk(buf, sz-1)
	for n := chunk.writeNext(); n > 0; n = chunk.writeNext() {
	}
	buf.WriteByte('\n')
	return plain(200, buf.String()), nil
}
