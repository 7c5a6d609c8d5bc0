package gateway

import (
	"github.com/antiduh/MiniBus/tlv"
)

// Contract ids of the gateway wire messages.
const (
	HeartbeatRequestID  = 201
	HeartbeatResponseID = 202
	RequestMsgID        = 203
	ResponseMsgID       = 204
)

// HeartbeatRequest asks the gateway to prove it is alive.
type HeartbeatRequest struct{}

func (*HeartbeatRequest) ContractID() int               { return HeartbeatRequestID }
func (*HeartbeatRequest) Save(*tlv.SaveContext)         {}
func (*HeartbeatRequest) Parse(*tlv.ParseContext) error { return nil }

// HeartbeatResponse answers a HeartbeatRequest.
type HeartbeatResponse struct{}

func (*HeartbeatResponse) ContractID() int               { return HeartbeatResponseID }
func (*HeartbeatResponse) Save(*tlv.SaveContext)         {}
func (*HeartbeatResponse) Parse(*tlv.ParseContext) error { return nil }

// RequestMsg carries a contract from a client to the broker.
type RequestMsg struct {
	CorrelationID string
	Exchange      string
	RoutingKey    string
	MessageName   string
	Message       tlv.Contract
}

func (*RequestMsg) ContractID() int { return RequestMsgID }

func (m *RequestMsg) Save(s *tlv.SaveContext) {
	if m.CorrelationID != "" {
		s.String(1, m.CorrelationID)
	}
	s.String(2, m.Exchange)
	s.String(3, m.RoutingKey)
	s.String(4, m.MessageName)
	s.Contract(5, m.Message)
}

func (m *RequestMsg) Parse(p *tlv.ParseContext) error {
	var err error

	m.CorrelationID, _ = p.TryString(1)
	if m.Exchange, err = p.String(2); err != nil {
		return err
	}
	if m.RoutingKey, err = p.String(3); err != nil {
		return err
	}
	if m.MessageName, err = p.String(4); err != nil {
		return err
	}
	m.Message, err = p.Contract(5)
	return err
}

// ResponseMsg carries a broker delivery from the gateway to a client.
type ResponseMsg struct {
	Message       tlv.Contract
	MessageName   string
	CorrelationID string
	SendRepliesTo string
}

func (*ResponseMsg) ContractID() int { return ResponseMsgID }

func (m *ResponseMsg) Save(s *tlv.SaveContext) {
	s.Contract(1, m.Message)
	s.String(2, m.MessageName)
	if m.CorrelationID != "" {
		s.String(3, m.CorrelationID)
	}
	if m.SendRepliesTo != "" {
		s.String(4, m.SendRepliesTo)
	}
}

func (m *ResponseMsg) Parse(p *tlv.ParseContext) error {
	var err error

	if m.Message, err = p.Contract(1); err != nil {
		return err
	}
	if m.MessageName, err = p.String(2); err != nil {
		return err
	}
	m.CorrelationID, _ = p.TryString(3)
	m.SendRepliesTo, _ = p.TryString(4)
	return nil
}

// Register adds the gateway wire messages to reg.
func Register(reg *tlv.Registry) error {
	factories := []tlv.Factory{
		func() tlv.Contract { return &HeartbeatRequest{} },
		func() tlv.Contract { return &HeartbeatResponse{} },
		func() tlv.Contract { return &RequestMsg{} },
		func() tlv.Contract { return &ResponseMsg{} },
	}
	for _, f := range factories {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}
