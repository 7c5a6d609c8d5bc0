package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ConnectionChecker reports a broker or gateway connection as unhealthy
// while it is down.
type ConnectionChecker struct {
	name      string
	connected func() bool
}

// NewConnectionChecker checks connected, e.g. a transport's IsConnected or a
// gateway client bus's Connected.
func NewConnectionChecker(name string, connected func() bool) *ConnectionChecker {
	return &ConnectionChecker{name: name, connected: connected}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.name, Timestamp: time.Now(), Status: StatusHealthy, Message: "connected"}
	if !c.connected() {
		result.Status = StatusUnhealthy
		result.Message = "connection is down"
	}
	return result
}

// HeartbeatChecker reports a gateway client degraded when its last
// heartbeat response is older than maxAge.
type HeartbeatChecker struct {
	name   string
	last   func() time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewHeartbeatChecker checks last, e.g. a gateway client bus's LastHeartbeat.
func NewHeartbeatChecker(name string, last func() time.Time, maxAge time.Duration) *HeartbeatChecker {
	return &HeartbeatChecker{name: name, last: last, maxAge: maxAge, now: time.Now}
}

func (c *HeartbeatChecker) Name() string {
	return c.name
}

func (c *HeartbeatChecker) Check(ctx context.Context) CheckResult {
	now := c.now()
	result := CheckResult{Name: c.name, Timestamp: now, Status: StatusHealthy, Details: make(map[string]any)}

	last := c.last()
	if last.IsZero() {
		result.Status = StatusDegraded
		result.Message = "no heartbeat received yet"
		return result
	}

	age := now.Sub(last)
	result.Details["heartbeat_age_ms"] = age.Milliseconds()
	if age > c.maxAge {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("last heartbeat %s ago", age.Round(time.Millisecond))
	}
	return result
}

// SessionChecker reports the number of clients connected to a gateway.
type SessionChecker struct {
	name     string
	sessions func() int
}

// NewSessionChecker checks sessions, e.g. a gateway service's SessionCount.
func NewSessionChecker(name string, sessions func() int) *SessionChecker {
	return &SessionChecker{name: name, sessions: sessions}
}

func (c *SessionChecker) Name() string {
	return c.name
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Details:   map[string]any{"sessions": c.sessions()},
	}
}

// RuntimeChecker flags runaway goroutine counts, which usually mean leaked
// sessions or conversations.
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
	goroutines  func() int
}

// NewRuntimeChecker creates a goroutine count checker.
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	return &RuntimeChecker{degradedAt: degradedAt, unhealthyAt: unhealthyAt, goroutines: runtime.NumGoroutine}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := c.goroutines()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines >= c.unhealthyAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines >= c.degradedAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	}
	return result
}
