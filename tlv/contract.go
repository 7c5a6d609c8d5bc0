package tlv

// Contract is a value that can be written to and read from a frame.
// ContractID must be stable and unique within a Registry.
type Contract interface {
	ContractID() int
	Save(s *SaveContext)
	Parse(p *ParseContext) error
}

// RawContract holds a frame whose contract id was unknown to the decoder.
// It saves its body unchanged, so it can be forwarded without a type.
type RawContract struct {
	ID   int
	Body []byte
}

func (r *RawContract) ContractID() int {
	return r.ID
}

func (r *RawContract) Save(s *SaveContext) {
	s.buf = append(s.buf, r.Body...)
}

func (r *RawContract) Parse(p *ParseContext) error {
	r.ID = p.id
	r.Body = append(r.Body[:0], p.body...)
	return nil
}
