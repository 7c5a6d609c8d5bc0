package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/antiduh/MiniBus/reconnect"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications.
// Calls are never concurrent.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	// OnRestored follows OnConnected when a lost connection was replaced.
	OnRestored()
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	loop   *reconnect.Loop[*amqp.Connection]
	hosts  *reconnect.HostList
	logger *slog.Logger

	reconnectDelay time.Duration
	dialTimeout    time.Duration
	heartbeat      time.Duration

	mu    sync.RWMutex
	conn  *amqp.Connection
	epoch uint64

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a manager that connects to one of urls.
func NewConnectionManager(urls []string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		hosts:          reconnect.NewHostList(urls...),
		logger:         slog.Default(),
		reconnectDelay: reconnect.DefaultRetryDelay,
		dialTimeout:    30 * time.Second,
		heartbeat:      10 * time.Second,
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.loop = reconnect.New[*amqp.Connection](cm.hosts, cm.dial, cm,
		reconnect.WithName("rabbitmq"),
		reconnect.WithLogger(cm.logger),
		reconnect.WithRetryDelay(cm.reconnectDelay),
		reconnect.WithDialTimeout(cm.dialTimeout),
	)
	return cm
}

func (cm *ConnectionManager) dial(ctx context.Context, url string) (*amqp.Connection, error) {
	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: cm.heartbeat,
			Dial:      amqp.DefaultDial(cm.dialTimeout),
		})
		if err != nil {
			errChan <- err
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	case <-ctx.Done():
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// Connect starts the reconnect loop and waits for the first connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.loop.Start()
	_, _, err := cm.loop.WaitConnected(ctx)
	if errors.Is(err, reconnect.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.loop.State() == reconnect.Connected
}

// Connected implements reconnect.Handler.
func (cm *ConnectionManager) Connected(conn *amqp.Connection, epoch uint64) {
	cm.mu.Lock()
	cm.conn = conn
	cm.epoch = epoch
	cm.mu.Unlock()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(closed, epoch)

	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.stateListeners {
		l.OnConnected()
	}
}

// watch reports the connection of epoch as failed once the broker or the
// network closes it.
func (cm *ConnectionManager) watch(closed <-chan *amqp.Error, epoch uint64) {
	amqpErr, ok := <-closed
	var err error = ErrConnectionClosed
	if ok && amqpErr != nil {
		err = amqpErr
	}
	cm.loop.Fail(epoch, err)
}

// ConnectionLost implements reconnect.Handler.
func (cm *ConnectionManager) ConnectionLost(err error) {
	cm.mu.Lock()
	cm.conn = nil
	cm.mu.Unlock()

	cm.logger.Error("connection closed", "error", err)

	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.stateListeners {
		l.OnDisconnected(err)
	}
}

// ConnectionRestored implements reconnect.Handler.
func (cm *ConnectionManager) ConnectionRestored() {
	cm.logger.Info("successfully reconnected to RabbitMQ")

	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.stateListeners {
		l.OnRestored()
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	cm.conn = nil
	cm.mu.Unlock()
	return cm.loop.Close()
}
