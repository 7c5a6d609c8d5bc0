package memory

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/antiduh/MiniBus/messaging"
)

const (
	metaMessageID     = "message_id"
	metaCorrelationID = "correlation_id"
	metaReplyTo       = "reply_to"
	metaHeaderPrefix  = "header."
)

// setMetadata stores props in watermill metadata. Header values travel as
// strings and come back as byte slices, like AMQP byte arrays.
func setMetadata(md message.Metadata, props messaging.Properties) {
	if props.MessageID != "" {
		md.Set(metaMessageID, props.MessageID)
	}
	if props.CorrelationID != "" {
		md.Set(metaCorrelationID, props.CorrelationID)
	}
	if props.ReplyTo != "" {
		md.Set(metaReplyTo, props.ReplyTo)
	}
	for k, v := range props.Headers {
		switch val := v.(type) {
		case []byte:
			md.Set(metaHeaderPrefix+k, string(val))
		case string:
			md.Set(metaHeaderPrefix+k, val)
		default:
			md.Set(metaHeaderPrefix+k, fmt.Sprint(val))
		}
	}
}

func toDelivery(queueName string, msg *message.Message) messaging.Delivery {
	d := messaging.Delivery{
		Properties: messaging.Properties{
			MessageID:     msg.Metadata.Get(metaMessageID),
			CorrelationID: msg.Metadata.Get(metaCorrelationID),
			ReplyTo:       msg.Metadata.Get(metaReplyTo),
		},
		Queue: queueName,
		Body:  msg.Payload,
	}
	for k, v := range msg.Metadata {
		if name, ok := strings.CutPrefix(k, metaHeaderPrefix); ok {
			if d.Headers == nil {
				d.Headers = make(map[string]any)
			}
			d.Headers[name] = []byte(v)
		}
	}
	return d
}
