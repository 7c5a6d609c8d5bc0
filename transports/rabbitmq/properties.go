package rabbitmq

import (
	"github.com/antiduh/MiniBus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

func toPublishing(props messaging.Properties, body []byte) amqp.Publishing {
	msg := amqp.Publishing{
		MessageId:     props.MessageID,
		CorrelationId: props.CorrelationID,
		ReplyTo:       props.ReplyTo,
		ContentType:   "application/octet-stream",
		Body:          body,
	}
	if len(props.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(props.Headers))
		for k, v := range props.Headers {
			msg.Headers[k] = v
		}
	}
	return msg
}

func toDelivery(queue string, d amqp.Delivery) messaging.Delivery {
	props := messaging.Properties{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
	}
	if len(d.Headers) > 0 {
		props.Headers = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			props.Headers[k] = v
		}
	}
	return messaging.Delivery{Properties: props, Queue: queue, Body: d.Body}
}
