package messaging

import (
	"github.com/antiduh/MiniBus/tlv"
)

// Contracts shared by the internal and external tests of this package.

type PingRequest struct {
	Text string
}

func (*PingRequest) ContractID() int     { return 9001 }
func (*PingRequest) MessageName() string { return "test.ping.PingRequest" }
func (*PingRequest) Exchange() string    { return "test-core" }

func (m *PingRequest) Save(s *tlv.SaveContext) {
	s.String(1, m.Text)
}

func (m *PingRequest) Parse(p *tlv.ParseContext) error {
	var err error
	m.Text, err = p.String(1)
	return err
}

type PingReply struct {
	Text string
	Hops int64
}

func (*PingReply) ContractID() int     { return 9002 }
func (*PingReply) MessageName() string { return "test.ping.PingReply" }
func (*PingReply) Exchange() string    { return "test-core" }

func (m *PingReply) Save(s *tlv.SaveContext) {
	s.String(1, m.Text)
	s.Int(2, m.Hops)
}

func (m *PingReply) Parse(p *tlv.ParseContext) error {
	var err error
	if m.Text, err = p.String(1); err != nil {
		return err
	}
	m.Hops, err = p.Int(2)
	return err
}
