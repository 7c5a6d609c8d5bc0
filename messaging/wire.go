package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/antiduh/MiniBus/contracts"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/tlv"
)

// outbox serializes encode, publish and buffer reset on one transport.
type outbox struct {
	transport Transport
	metrics   *metrics.Metrics
	component string

	mu sync.Mutex
	w  tlv.Writer
}

func (o *outbox) publish(ctx context.Context, exchange, routingKey string, props Properties, msg tlv.Contract) error {
	o.mu.Lock()
	o.w.Write(msg)
	err := o.transport.Publish(ctx, exchange, routingKey, props, o.w.Bytes())
	o.w.Reset()
	o.mu.Unlock()

	o.metrics.Published(o.component, err)
	if err == nil {
		return nil
	}
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// inbox decodes delivery bodies with one reusable reader.
type inbox struct {
	mu sync.Mutex
	r  *tlv.Reader
}

func newInbox(reg *tlv.Registry) *inbox {
	return &inbox{r: tlv.NewReader(reg)}
}

func (i *inbox) decode(body []byte) (tlv.Contract, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.r.Read(body)
}

func envelopeProperties(env contracts.Envelope, def contracts.MessageDef) Properties {
	props := Properties{
		MessageID:     def.Name,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.SendRepliesTo,
	}
	if env.ClientID != "" {
		props.SetClientID(env.ClientID)
	}
	return props
}

func deliveryEnvelope(d Delivery) contracts.Envelope {
	return contracts.Envelope{
		CorrelationID: d.CorrelationID,
		SendRepliesTo: d.ReplyTo,
		ClientID:      d.ClientID(),
	}
}

func registerMessage(reg *tlv.Registry, defs *contracts.DefRegistry, factory func() contracts.Message) (contracts.MessageDef, error) {
	def, err := defs.Get(factory())
	if err != nil {
		return contracts.MessageDef{}, err
	}
	if err := reg.Register(func() tlv.Contract { return factory() }); err != nil {
		return contracts.MessageDef{}, err
	}
	return def, nil
}
