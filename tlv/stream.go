package tlv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds the body of a single stream frame.
const DefaultMaxFrameSize = 4 << 20

// StreamReader reads consecutive frames from a byte stream.
type StreamReader struct {
	r       *bufio.Reader
	reg     *Registry
	maxSize int
	body    []byte
	pc      ParseContext
}

// NewStreamReader creates a StreamReader decoding with reg.
func NewStreamReader(r io.Reader, reg *Registry) *StreamReader {
	return &StreamReader{
		r:       bufio.NewReader(r),
		reg:     reg,
		maxSize: DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize changes the frame size limit.
func (s *StreamReader) SetMaxFrameSize(n int) {
	s.maxSize = n
}

// ReadContract blocks until a full frame has been read. It returns io.EOF
// only when the stream ends cleanly between frames.
func (s *StreamReader) ReadContract() (Contract, error) {
	id, err := binary.ReadUvarint(s.r)
	if err != nil {
		return nil, err
	}

	size, err := binary.ReadUvarint(s.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if size > uint64(s.maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	if cap(s.body) < int(size) {
		s.body = make([]byte, size)
	}
	s.body = s.body[:size]
	if _, err := io.ReadFull(s.r, s.body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return parseBody(int(id), s.body, s.reg, &s.pc)
}

// StreamWriter writes frames to a byte stream using a reusable buffer.
// It is not safe for concurrent use.
type StreamWriter struct {
	w   io.Writer
	buf []byte
}

// NewStreamWriter creates a StreamWriter.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// WriteContract encodes c and writes it in a single Write call.
func (s *StreamWriter) WriteContract(c Contract) error {
	s.buf = appendFrame(s.buf[:0], c)
	_, err := s.w.Write(s.buf)
	return err
}
