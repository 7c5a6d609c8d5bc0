// Package client talks to a MiniBus gateway over TCP.
//
// ClientBus implements messaging.Bus for processes that cannot reach the
// broker themselves. Requests are wrapped in gateway.RequestMsg frames and
// replies arrive as gateway.ResponseMsg frames, which are handed to the same
// Correlator the broker-backed bus uses. The underlying Connection redials
// through a reconnect.Loop when the socket fails.
package client
