package nymea

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	readChunkSize = 4096

	// DefaultMaxMessageSize bounds how much a FrameReader buffers while
	// waiting for a document to complete.
	DefaultMaxMessageSize = 16 << 20
)

// FrameReader extracts JSON documents from a byte stream that has no length
// header. A document is complete once the accumulated bytes parse; newlines
// are not treated as delimiters, so a payload that is itself a valid prefix
// document ends the frame early. The hub never sends such payloads.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	maxSize int
}

// NewFrameReader creates a reader over r. maxSize <= 0 disables the limit.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{
		r:       r,
		chunk:   make([]byte, readChunkSize),
		maxSize: maxSize,
	}
}

// ReadMessage returns the next complete JSON document. Bytes that arrived
// after the document stay buffered for the next call.
func (f *FrameReader) ReadMessage() (json.RawMessage, error) {
	for {
		if msg, ok := f.next(); ok {
			return msg, nil
		}
		if f.maxSize > 0 && len(f.buf) > f.maxSize {
			size := len(f.buf)
			f.buf = nil
			return nil, fmt.Errorf("%w: %d bytes buffered, limit %d", ErrMessageTooLarge, size, f.maxSize)
		}

		n, err := f.r.Read(f.chunk)
		f.buf = append(f.buf, f.chunk[:n]...)
		if err == nil {
			continue
		}

		if msg, ok := f.next(); ok {
			return msg, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: stream closed with %d bytes buffered", ErrIncompleteMessage, len(f.buf))
		}
		return nil, connectionError("read", err)
	}
}

// Buffered returns the number of bytes held for the next document.
func (f *FrameReader) Buffered() int {
	return len(f.buf)
}

// next tries to parse one document from the front of the buffer.
func (f *FrameReader) next() (json.RawMessage, bool) {
	trimmed := bytes.TrimLeft(f.buf, " \t\r\n")
	if len(trimmed) == 0 {
		f.buf = f.buf[:0]
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var msg json.RawMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, false
	}

	rest := trimmed[dec.InputOffset():]
	f.buf = append(f.buf[:0], rest...)
	return msg, true
}
