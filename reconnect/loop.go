package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultRetryDelay  = time.Second
	DefaultDialTimeout = 10 * time.Second
)

// ErrClosed is returned by WaitConnected once the loop is closed.
var ErrClosed = errors.New("reconnect: loop closed")

// State is the connection state of a Loop.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens a connection to endpoint.
type Dialer[T io.Closer] func(ctx context.Context, endpoint string) (T, error)

// Handler is told about connection changes. Calls on one loop are never
// concurrent. Handlers must not call Fail or Close synchronously.
type Handler[T io.Closer] interface {
	// Connected is called for every installed connection.
	Connected(conn T, epoch uint64)
	ConnectionLost(err error)
	// ConnectionRestored follows Connected when the connection replaces one
	// that was lost.
	ConnectionRestored()
}

// HandlerFuncs adapts functions to Handler. Nil fields are ignored.
type HandlerFuncs[T io.Closer] struct {
	OnConnected          func(conn T, epoch uint64)
	OnConnectionLost     func(err error)
	OnConnectionRestored func()
}

func (h HandlerFuncs[T]) Connected(conn T, epoch uint64) {
	if h.OnConnected != nil {
		h.OnConnected(conn, epoch)
	}
}

func (h HandlerFuncs[T]) ConnectionLost(err error) {
	if h.OnConnectionLost != nil {
		h.OnConnectionLost(err)
	}
}

func (h HandlerFuncs[T]) ConnectionRestored() {
	if h.OnConnectionRestored != nil {
		h.OnConnectionRestored()
	}
}

type options struct {
	retryDelay  time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger
	name        string
}

// Option configures a Loop.
type Option func(*options)

// WithRetryDelay sets the pause between failed dial attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		o.retryDelay = d
	}
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithName labels the loop's log lines.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Loop maintains one connection of type T.
type Loop[T io.Closer] struct {
	hosts   *HostList
	dial    Dialer[T]
	handler Handler[T]
	opts    options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	conn          T
	epoch         uint64
	everConnected bool
	started       bool
	closed        bool
	ready         chan struct{}

	callbackMu sync.Mutex
}

// New returns a stopped loop. Call Start to begin connecting.
func New[T io.Closer](hosts *HostList, dial Dialer[T], handler Handler[T], opts ...Option) *Loop[T] {
	o := options{
		retryDelay:  DefaultRetryDelay,
		dialTimeout: DefaultDialTimeout,
		logger:      slog.Default(),
		name:        "connection",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if handler == nil {
		handler = HandlerFuncs[T]{}
	}

	l := &Loop[T]{
		hosts:   hosts,
		dial:    dial,
		handler: handler,
		opts:    o,
		logger:  o.logger.With("loop", o.name),
		ready:   make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l
}

// Start begins the first attempt sequence. Later calls do nothing.
func (l *Loop[T]) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.closed {
		return
	}
	l.started = true
	l.state = Connecting
	l.runAttempts()
}

// runAttempts must be called with l.mu held.
func (l *Loop[T]) runAttempts() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.attempt()
	}()
}

func (l *Loop[T]) attempt() {
	for tries := 1; ; tries++ {
		if l.ctx.Err() != nil {
			return
		}

		endpoint, err := l.hosts.Pick()
		if err == nil {
			var conn T
			conn, err = l.dialOnce(endpoint)
			if err == nil {
				l.install(conn, endpoint, tries)
				return
			}
			l.hosts.Suppress(endpoint)
		}

		l.logger.Warn("connection attempt failed",
			"endpoint", endpoint,
			"attempt", tries,
			"retryIn", l.opts.retryDelay,
			"error", err)

		select {
		case <-time.After(l.opts.retryDelay):
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Loop[T]) dialOnce(endpoint string) (T, error) {
	ctx, cancel := context.WithTimeout(l.ctx, l.opts.dialTimeout)
	defer cancel()
	return l.dial(ctx, endpoint)
}

func (l *Loop[T]) install(conn T, endpoint string, tries int) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.epoch++
	epoch := l.epoch
	l.mu.Unlock()

	l.logger.Info("connected", "endpoint", endpoint, "attempts", tries, "epoch", epoch)

	// Waiters are released only once the handler has taken the connection.
	// Fail calls for this epoch block on callbackMu until it is published.
	l.handler.Connected(conn, epoch)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.state = Connected
	recovered := l.everConnected
	l.everConnected = true
	close(l.ready)
	l.mu.Unlock()

	if recovered {
		l.handler.ConnectionRestored()
	}
}

// WaitConnected blocks until a connection is installed, ctx is done or the
// loop is closed.
func (l *Loop[T]) WaitConnected(ctx context.Context) (T, uint64, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			var zero T
			return zero, 0, ErrClosed
		}
		if l.state == Connected {
			conn, epoch := l.conn, l.epoch
			l.mu.Unlock()
			return conn, epoch, nil
		}
		ready := l.ready
		l.mu.Unlock()

		select {
		case <-ready:
		case <-l.ctx.Done():
		case <-ctx.Done():
			var zero T
			return zero, 0, ctx.Err()
		}
	}
}

// Current returns the installed connection, if any.
func (l *Loop[T]) Current() (T, uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Connected {
		var zero T
		return zero, 0, false
	}
	return l.conn, l.epoch, true
}

func (l *Loop[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Fail reports the connection of epoch as broken. It closes the connection,
// moves to Disconnected, notifies the handler and starts a new attempt
// sequence. Reports for an
// older epoch, or while no connection is installed, are ignored.
func (l *Loop[T]) Fail(epoch uint64, err error) {
	l.callbackMu.Lock()
	defer l.callbackMu.Unlock()

	l.mu.Lock()
	if l.closed || l.state != Connected || epoch != l.epoch {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	var zero T
	l.conn = zero
	l.state = Disconnected
	l.ready = make(chan struct{})
	l.mu.Unlock()

	_ = conn.Close()
	l.logger.Warn("connection lost", "epoch", epoch, "error", err)
	l.handler.ConnectionLost(err)

	l.mu.Lock()
	if !l.closed {
		l.state = Connecting
		l.runAttempts()
	}
	l.mu.Unlock()
}

// Close stops reconnecting and closes the current connection.
func (l *Loop[T]) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	connected := l.state == Connected
	conn := l.conn
	var zero T
	l.conn = zero
	l.state = Disconnected
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()

	if connected {
		return conn.Close()
	}
	return nil
}
