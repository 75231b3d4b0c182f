package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const DefaultMaxLineBytes = 8 << 20

var ErrLineTooLong = errors.New("line exceeds maximum length")

// Transport frames newline-delimited JSON over a reader/writer pair. Reads
// happen on a single goroutine; writes may come from any goroutine and are
// serialized so every message lands on its own line.
type Transport struct {
	r       *bufio.Reader
	maxLine int

	mu sync.Mutex
	w  io.Writer
}

type Option func(*Transport)

func WithMaxLineBytes(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

func NewTransport(r io.Reader, w io.Writer, opts ...Option) *Transport {
	t := &Transport{
		r:       bufio.NewReaderSize(r, 64*1024),
		w:       w,
		maxLine: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReadLine returns the next line without its terminator. A final line with
// no newline is still returned before io.EOF. Oversized lines are consumed
// and reported as ErrLineTooLong so the caller can keep reading.
func (t *Transport) ReadLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := t.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > t.maxLine+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(line) > 0 {
				return trimEOL(line), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Send encodes v as one line and writes it atomically.
func (t *Transport) Send(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if f, ok := t.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}
