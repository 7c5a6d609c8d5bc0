package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/antiduh/MiniBus/internal/ids"
	"github.com/antiduh/MiniBus/messaging"
	"github.com/antiduh/MiniBus/metrics"
	"github.com/antiduh/MiniBus/tlv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const reprovisionTimeout = 30 * time.Second

// ErrAlreadyStarted is returned by a second call to Start or Serve.
var ErrAlreadyStarted = errors.New("gateway: service already started")

// Service accepts client sockets and relays their traffic to and from the
// broker.
type Service struct {
	transport messaging.Transport
	opts      options
	logger    *slog.Logger
	wire      *tlv.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// outMu spans encode, publish and reset of outBuf.
	outMu  sync.Mutex
	outBuf tlv.Writer

	inMu   sync.Mutex
	reader *tlv.Reader

	queueMu      sync.RWMutex
	privateQueue string

	sessionsMu sync.Mutex
	sessions   map[string]*session
	listener   net.Listener
	started    bool
}

var _ messaging.ConnectionListener = (*Service)(nil)

// NewService returns a gateway publishing through transport.
func NewService(transport messaging.Transport, opts ...Option) *Service {
	o := newOptions(opts)

	wire := tlv.NewRegistry()
	if err := Register(wire); err != nil {
		panic(err)
	}
	wire.Freeze()

	s := &Service{
		transport: transport,
		opts:      o,
		logger:    o.logger.With("component", "gateway"),
		wire:      wire,
		reader:    tlv.NewReader(nil),
		sessions:  make(map[string]*session),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start provisions the gateway's private queue and begins accepting clients
// on the configured address.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.listenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.listenAddress, err)
	}
	if err := s.Serve(ctx, ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve is Start with a caller-supplied listener. The service owns ln.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.sessionsMu.Lock()
	if s.started {
		s.sessionsMu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.sessionsMu.Unlock()

	if err := s.provision(ctx); err != nil {
		return err
	}
	s.transport.AddConnectionListener(s)

	s.sessionsMu.Lock()
	s.listener = ln
	s.sessionsMu.Unlock()

	s.logger.Info("gateway listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Service) provision(ctx context.Context) error {
	queue, err := s.transport.DeclareQueue(ctx, "", messaging.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return fmt.Errorf("failed to declare gateway queue: %w", err)
	}
	if err := s.transport.Consume(s.ctx, queue, s.relay); err != nil {
		return fmt.Errorf("failed to consume gateway queue %s: %w", queue, err)
	}

	s.queueMu.Lock()
	s.privateQueue = queue
	s.queueMu.Unlock()
	return nil
}

// PrivateQueue returns the queue broker replies to clients arrive on.
func (s *Service) PrivateQueue() string {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	return s.privateQueue
}

// Addr returns the listening address, or nil before Start.
func (s *Service) Addr() net.Addr {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of connected clients.
func (s *Service) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func (s *Service) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		sess := newSession(ids.NewClientID(), conn, s)

		s.sessionsMu.Lock()
		if s.ctx.Err() != nil {
			s.sessionsMu.Unlock()
			_ = conn.Close()
			return
		}
		s.sessions[sess.id] = sess
		s.sessionsMu.Unlock()

		s.opts.metrics.SessionOpened()
		s.logger.Info("client connected", "clientId", sess.id, "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
		}()
	}
}

func (s *Service) lookup(clientID string) *session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions[clientID]
}

func (s *Service) remove(sess *session) {
	s.sessionsMu.Lock()
	if s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.sessionsMu.Unlock()

	s.opts.metrics.SessionClosed()
}

// publish forwards a client request to the broker on behalf of sess.
func (s *Service) publish(sess *session, msg *RequestMsg) {
	_, span := s.opts.tracer.Start(s.ctx, "minibus.gateway.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("minibus.client_id", sess.id),
			attribute.String("minibus.message", msg.MessageName),
			attribute.String("minibus.exchange", msg.Exchange),
			attribute.String("minibus.routing_key", msg.RoutingKey),
		))
	defer span.End()

	props := messaging.Properties{
		MessageID:     msg.MessageName,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       s.PrivateQueue(),
	}
	props.SetClientID(sess.id)

	s.outMu.Lock()
	s.outBuf.Write(msg.Message)
	err := s.transport.Publish(s.ctx, msg.Exchange, msg.RoutingKey, props, s.outBuf.Bytes())
	s.outBuf.Reset()
	s.outMu.Unlock()

	s.opts.metrics.Published("gateway", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		s.logger.Error("failed to forward client message",
			"clientId", sess.id,
			"messageName", msg.MessageName,
			"exchange", msg.Exchange,
			"routingKey", msg.RoutingKey,
			"error", err)
		return
	}

	s.logger.Debug("forwarded client message",
		"clientId", sess.id,
		"messageName", msg.MessageName,
		"routingKey", msg.RoutingKey)
}

// relay hands a broker delivery to the session named by its clientId header.
func (s *Service) relay(d messaging.Delivery) {
	clientID := d.ClientID()
	sess := s.lookup(clientID)
	if sess == nil {
		s.logger.Warn("dropping delivery for unknown client",
			"clientId", clientID,
			"messageName", d.MessageID,
			"correlationId", d.CorrelationID)
		s.opts.metrics.Relayed(metrics.RelayUnknownClient)
		return
	}

	s.inMu.Lock()
	inner, err := s.reader.Read(d.Body)
	s.inMu.Unlock()
	if err != nil {
		s.logger.Warn("dropping undecodable delivery",
			"clientId", clientID,
			"messageName", d.MessageID,
			"error", err)
		s.opts.metrics.Relayed(metrics.RelayDecodeFailed)
		return
	}

	out := &ResponseMsg{
		Message:       inner,
		MessageName:   d.MessageID,
		CorrelationID: d.CorrelationID,
		SendRepliesTo: d.ReplyTo,
	}
	if err := sess.write(out); err != nil {
		s.opts.metrics.Relayed(metrics.RelayWriteFailed)
		return
	}
	s.opts.metrics.Relayed(metrics.RelayDelivered)
}

// ConnectionLost implements messaging.ConnectionListener.
func (s *Service) ConnectionLost(err error) {
	s.logger.Warn("gateway lost its broker channel", "error", err)
	s.opts.metrics.ConnectionEvent("gateway", metrics.EventLost)
}

// ConnectionRestored implements messaging.ConnectionListener. Replies in
// flight to the old private queue are lost.
func (s *Service) ConnectionRestored() {
	if s.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, reprovisionTimeout)
	defer cancel()

	if err := s.provision(ctx); err != nil {
		s.logger.Error("failed to re-provision gateway queue", "error", err)
		return
	}
	s.logger.Info("gateway restored", "queue", s.PrivateQueue())
	s.opts.metrics.ConnectionEvent("gateway", metrics.EventRestored)
}

// Close stops accepting clients and disconnects every session. The
// transport is left open.
func (s *Service) Close() error {
	s.cancel()

	s.sessionsMu.Lock()
	ln := s.listener
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range sessions {
		sess.close(nil)
	}
	s.wg.Wait()
	return err
}
