package tlv

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type field struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// ParseContext exposes the fields of one decoded contract body.
// Strings and byte slices returned from it are copies.
type ParseContext struct {
	id     int
	body   []byte
	reg    *Registry
	fields map[protowire.Number]field
}

func (p *ParseContext) reset(id int, body []byte, reg *Registry) error {
	p.id = id
	p.body = body
	p.reg = reg
	if p.fields == nil {
		p.fields = make(map[protowire.Number]field)
	} else {
		clear(p.fields)
	}

	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return &TagError{ContractID: id, Err: protowire.ParseError(n)}
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return &TagError{ContractID: id, Tag: int(num), Err: protowire.ParseError(n)}
			}
			p.fields[num] = field{typ: typ, varint: v}
			body = body[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return &TagError{ContractID: id, Tag: int(num), Err: protowire.ParseError(n)}
			}
			p.fields[num] = field{typ: typ, bytes: v}
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return &TagError{ContractID: id, Tag: int(num), Err: protowire.ParseError(n)}
			}
			body = body[n:]
		}
	}
	return nil
}

// ContractID returns the id of the contract being parsed.
func (p *ParseContext) ContractID() int {
	return p.id
}

// Has reports whether tag is present.
func (p *ParseContext) Has(tag int) bool {
	_, ok := p.fields[protowire.Number(tag)]
	return ok
}

func (p *ParseContext) lookup(tag int, typ protowire.Type) (field, error) {
	f, ok := p.fields[protowire.Number(tag)]
	if !ok {
		return field{}, &TagError{ContractID: p.id, Tag: tag, Err: ErrMissingTag}
	}
	if f.typ != typ {
		return field{}, &TagError{ContractID: p.id, Tag: tag, Err: ErrWrongType}
	}
	return f, nil
}

// String reads a required string field.
func (p *ParseContext) String(tag int) (string, error) {
	f, err := p.lookup(tag, protowire.BytesType)
	if err != nil {
		return "", err
	}
	return string(f.bytes), nil
}

// TryString reads an optional string field.
func (p *ParseContext) TryString(tag int) (string, bool) {
	v, err := p.String(tag)
	return v, err == nil
}

// Bytes reads a required byte field.
func (p *ParseContext) Bytes(tag int) ([]byte, error) {
	f, err := p.lookup(tag, protowire.BytesType)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), f.bytes...), nil
}

// Int reads a required integer field.
func (p *ParseContext) Int(tag int) (int64, error) {
	f, err := p.lookup(tag, protowire.VarintType)
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(f.varint), nil
}

// TryInt reads an optional integer field.
func (p *ParseContext) TryInt(tag int) (int64, bool) {
	v, err := p.Int(tag)
	return v, err == nil
}

// Bool reads a required boolean field.
func (p *ParseContext) Bool(tag int) (bool, error) {
	f, err := p.lookup(tag, protowire.VarintType)
	if err != nil {
		return false, err
	}
	return protowire.DecodeBool(f.varint), nil
}

// Contract reads a nested contract using the registry of the enclosing decode.
func (p *ParseContext) Contract(tag int) (Contract, error) {
	f, err := p.lookup(tag, protowire.BytesType)
	if err != nil {
		return nil, err
	}
	c, n, err := decodeFrame(f.bytes, p.reg, nil)
	if err != nil {
		return nil, &TagError{ContractID: p.id, Tag: tag, Err: err}
	}
	if n != len(f.bytes) {
		return nil, &TagError{ContractID: p.id, Tag: tag, Err: ErrMalformed}
	}
	return c, nil
}
