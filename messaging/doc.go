// Package messaging provides request/reply conversations over a message broker.
//
// This package implements the two halves of a MiniBus application:
//   - ClientBus: starts conversations and routes replies back to them
//   - ServerBus: consumes requests from durable queues and replies to them
//   - Correlator: matches replies to conversations by correlation id
//   - RequestContext: one conversation, possibly spanning several requests
//
// A conversation is redirected when a service replies with RedirectReplies:
// the rest of the conversation is sent straight to that service's private
// queue instead of being routed by message name.
//
// Example usage:
//
//	client, err := messaging.NewClientBus(ctx, transport)
//	if err != nil {
//		return err
//	}
//	client.DeclareMessage(contracts.Factory[EchoReply]())
//
//	req, err := client.StartRequest()
//	if err != nil {
//		return err
//	}
//	defer req.Dispose()
//
//	err = req.WithRetry(ctx, func() error {
//		return req.SendRequest(ctx, &EchoRequest{Text: "hello"})
//	})
//	if err != nil {
//		return err
//	}
//	reply, err := messaging.WaitResponseAs[*EchoReply](ctx, req, 5*time.Second)
package messaging
