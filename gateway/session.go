package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antiduh/MiniBus/tlv"
)

type sessionState int32

const (
	sessionConnected sessionState = iota
	sessionReading
	sessionDisconnected
)

// session is one client socket. Its reader goroutine is the only one reading
// conn; writes from the reader and from the relay path share writeMu.
type session struct {
	id     string
	conn   net.Conn
	svc    *Service
	logger *slog.Logger

	state atomic.Int32

	writeMu sync.Mutex
	writer  *tlv.StreamWriter

	closeOnce sync.Once
}

func newSession(id string, conn net.Conn, svc *Service) *session {
	return &session{
		id:     id,
		conn:   conn,
		svc:    svc,
		logger: svc.logger.With("clientId", id),
		writer: tlv.NewStreamWriter(conn),
	}
}

func (s *session) run() {
	s.state.Store(int32(sessionReading))
	reader := tlv.NewStreamReader(s.conn, s.svc.wire)

	for {
		c, err := reader.ReadContract()
		if err != nil {
			s.close(err)
			return
		}

		switch msg := c.(type) {
		case *HeartbeatRequest:
			_ = s.write(&HeartbeatResponse{})
		case *RequestMsg:
			s.svc.publish(s, msg)
		default:
			s.logger.Warn("ignoring unexpected contract from client", "contractId", c.ContractID())
		}
	}
}

// write sends c to the client. A failed write tears the session down.
func (s *session) write(c tlv.Contract) error {
	if sessionState(s.state.Load()) == sessionDisconnected {
		return net.ErrClosed
	}

	s.writeMu.Lock()
	if d := s.svc.opts.writeTimeout; d > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(d))
	}
	err := s.writer.WriteContract(c)
	s.writeMu.Unlock()

	if err != nil {
		s.close(err)
	}
	return err
}

// close disconnects the client. Only the first call has any effect.
func (s *session) close(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(sessionDisconnected))
		_ = s.conn.Close()
		s.svc.remove(s)

		switch {
		case cause == nil, errors.Is(cause, io.EOF), errors.Is(cause, net.ErrClosed):
			s.logger.Info("client disconnected")
		default:
			s.logger.Warn("client session failed", "error", cause)
		}
	})
}
