package tlv

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendFrame(b []byte, c Contract) []byte {
	var body SaveContext
	c.Save(&body)
	b = protowire.AppendVarint(b, uint64(c.ContractID()))
	return protowire.AppendBytes(b, body.buf)
}

// decodeFrame decodes the frame at the start of b and returns the number of
// bytes it used. pc, when non-nil, is reused for the top-level body.
func decodeFrame(b []byte, reg *Registry, pc *ParseContext) (Contract, int, error) {
	id, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: contract id: %v", ErrMalformed, protowire.ParseError(n))
	}
	body, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return nil, 0, fmt.Errorf("%w: contract %d body: %v", ErrMalformed, id, protowire.ParseError(m))
	}
	c, err := parseBody(int(id), body, reg, pc)
	if err != nil {
		return nil, 0, err
	}
	return c, n + m, nil
}

func parseBody(id int, body []byte, reg *Registry, pc *ParseContext) (Contract, error) {
	if pc == nil {
		pc = &ParseContext{}
	}
	if err := pc.reset(id, body, reg); err != nil {
		return nil, err
	}
	c := reg.New(id)
	if err := c.Parse(pc); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode returns the frame for c.
func Encode(c Contract) []byte {
	return appendFrame(nil, c)
}

// Decode reads exactly one frame from b.
func Decode(b []byte, reg *Registry) (Contract, error) {
	c, n, err := decodeFrame(b, reg, nil)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n)
	}
	return c, nil
}

// Writer is a reusable encode buffer. It is not safe for concurrent use;
// owners guard it with the lock that also covers sending its bytes.
type Writer struct {
	buf []byte
}

// Write appends the frame for c.
func (w *Writer) Write(c Contract) {
	w.buf = appendFrame(w.buf, c)
}

// Bytes returns the encoded frames. The slice is valid until Reset.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset empties the buffer, keeping its capacity.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Reader is a reusable decoder bound to a registry. It is not safe for
// concurrent use.
type Reader struct {
	reg *Registry
	pc  ParseContext
}

// NewReader creates a Reader decoding with reg.
func NewReader(reg *Registry) *Reader {
	return &Reader{reg: reg}
}

// Read decodes exactly one frame from b.
func (r *Reader) Read(b []byte) (Contract, error) {
	c, n, err := decodeFrame(b, r.reg, &r.pc)
	r.pc.body = nil
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-n)
	}
	return c, nil
}
