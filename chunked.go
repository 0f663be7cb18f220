package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxChunkSizeDigits keeps a chunk size within a positive int64.
const maxChunkSizeDigits = 15

// ChunkedReader decodes a chunked request body. Trailers are not supported.
type ChunkedReader struct {
	r        *bufio.Reader
	chunkLen int // -1 means the beginning of the next chunk
	done     bool
}

func NewChunkedReader(r io.Reader) *ChunkedReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ChunkedReader{br, -1, false}
}

// readLine returns one line including its LF. The line is bounded by the
// buffer size of the underlying reader.
func (r *ChunkedReader) readLine() ([]byte, error) {
	b, err := r.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, fmt.Errorf("chunk line too long")
	}
	return b, err
}

func (r *ChunkedReader) readChunkLength() error {
	b, err := r.readLine()
	if err != nil {
		return fmt.Errorf("failed to read chunk length: %w", err)
	}
	blen := len(b)
	if blen < 2 || b[blen-2] != '\r' {
		return fmt.Errorf("failed to read CRLF")
	}
	line := string(b[:blen-2])
	if i := strings.IndexByte(line, ';'); i >= 0 { // chunk extensions
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Errorf("empty chunk length")
	}
	if len(line) > maxChunkSizeDigits {
		return fmt.Errorf("chunk length overflow")
	}

	length := 0
	for _, v := range []byte(line) {
		switch {
		case v >= '0' && v <= '9':
			length = length*16 + int(v-'0')
		case v >= 'a' && v <= 'f':
			length = length*16 + int(v-'a') + 10
		case v >= 'A' && v <= 'F':
			length = length*16 + int(v-'A') + 10
		default:
			return fmt.Errorf("invalid chunk length: %q", line)
		}
	}
	r.chunkLen = length
	return nil
}

func (r *ChunkedReader) readCRLF() error {
	b, err := r.readLine()
	if err != nil {
		return err
	}
	if len(b) != 2 || b[0] != '\r' {
		return fmt.Errorf("failed to read CRLF")
	}
	return nil
}

func (r *ChunkedReader) Read(b []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.chunkLen < 0 {
		if err := r.readChunkLength(); err != nil {
			return 0, err
		}
	}
	if r.chunkLen == 0 {
		r.done = true
		if err := r.readCRLF(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	n := min(r.chunkLen, len(b))
	m, err := r.r.Read(b[:n])
	r.chunkLen -= m
	if r.chunkLen == 0 {
		r.chunkLen = -1
		err = r.readCRLF()
	}
	if err != nil {
		return m, err
	}
	return m, nil
}
