package tlv

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SaveContext collects the tagged fields of one contract body.
type SaveContext struct {
	buf []byte
}

func (s *SaveContext) tag(tag int, typ protowire.Type) {
	num := protowire.Number(tag)
	if !num.IsValid() {
		panic(fmt.Sprintf("tlv: invalid tag %d", tag))
	}
	s.buf = protowire.AppendTag(s.buf, num, typ)
}

// String writes a UTF-8 string field.
func (s *SaveContext) String(tag int, v string) {
	s.tag(tag, protowire.BytesType)
	s.buf = protowire.AppendString(s.buf, v)
}

// Bytes writes an opaque byte field.
func (s *SaveContext) Bytes(tag int, v []byte) {
	s.tag(tag, protowire.BytesType)
	s.buf = protowire.AppendBytes(s.buf, v)
}

// Int writes a signed integer field.
func (s *SaveContext) Int(tag int, v int64) {
	s.tag(tag, protowire.VarintType)
	s.buf = protowire.AppendVarint(s.buf, protowire.EncodeZigZag(v))
}

// Bool writes a boolean field.
func (s *SaveContext) Bool(tag int, v bool) {
	s.tag(tag, protowire.VarintType)
	s.buf = protowire.AppendVarint(s.buf, protowire.EncodeBool(v))
}

// Contract writes a nested contract as a complete frame.
func (s *SaveContext) Contract(tag int, c Contract) {
	s.tag(tag, protowire.BytesType)
	frame := appendFrame(nil, c)
	s.buf = protowire.AppendBytes(s.buf, frame)
}
