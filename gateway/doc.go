// Package gateway relays between TCP clients and the broker.
//
// Clients speak framed contracts over a socket. A RequestMsg is published to
// the broker with the gateway's private queue as its reply destination and
// the session id in the clientId header; broker deliveries arriving on that
// queue are wrapped in a ResponseMsg and written back to the session named by
// their clientId header. The inner contracts are forwarded without being
// decoded, so the gateway needs no knowledge of application messages.
package gateway
