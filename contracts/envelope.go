package contracts

// Envelope carries the routing metadata of one message hop.
// Empty fields are absent.
type Envelope struct {
	// CorrelationID ties a reply to the conversation that asked for it.
	CorrelationID string

	// SendRepliesTo names the queue further messages of the conversation
	// should be sent to directly.
	SendRepliesTo string

	// ClientID identifies the gateway session a message belongs to.
	ClientID string
}
