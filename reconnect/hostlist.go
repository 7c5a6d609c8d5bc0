package reconnect

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultSuppression is how long a failed endpoint is skipped by Pick.
const DefaultSuppression = 5 * time.Second

// ErrNoHosts is returned by Pick when the list is empty.
var ErrNoHosts = errors.New("reconnect: host list is empty")

// HostList is a set of endpoints a Loop may dial. Endpoints are opaque to
// the list: a "host:port" pair for TCP, a URL for AMQP.
type HostList struct {
	mu          sync.Mutex
	hosts       []string
	suppressed  map[string]time.Time
	suppressFor time.Duration
	now         func() time.Time
}

// NewHostList returns a list holding hosts.
func NewHostList(hosts ...string) *HostList {
	l := &HostList{
		suppressed:  make(map[string]time.Time),
		suppressFor: DefaultSuppression,
		now:         time.Now,
	}
	for _, h := range hosts {
		l.Add(h)
	}
	return l
}

// SetSuppression changes how long Suppress keeps an endpoint out of rotation.
func (l *HostList) SetSuppression(d time.Duration) {
	l.mu.Lock()
	l.suppressFor = d
	l.mu.Unlock()
}

// Add appends host unless it is already present.
func (l *HostList) Add(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range l.hosts {
		if h == host {
			return
		}
	}
	l.hosts = append(l.hosts, host)
}

func (l *HostList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// Hosts returns a copy of the endpoints.
func (l *HostList) Hosts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.hosts...)
}

// Suppress takes host out of rotation for the suppression period.
func (l *HostList) Suppress(host string) {
	l.mu.Lock()
	l.suppressed[host] = l.now().Add(l.suppressFor)
	l.mu.Unlock()
}

// Pick returns a random endpoint that is not suppressed. When every endpoint
// is suppressed it returns the one whose suppression ends first.
func (l *HostList) Pick() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.hosts) == 0 {
		return "", ErrNoHosts
	}

	now := l.now()
	candidates := make([]string, 0, len(l.hosts))
	for _, h := range l.hosts {
		until, ok := l.suppressed[h]
		if ok && now.Before(until) {
			continue
		}
		delete(l.suppressed, h)
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		soonest := l.hosts[0]
		for _, h := range l.hosts[1:] {
			if l.suppressed[h].Before(l.suppressed[soonest]) {
				soonest = h
			}
		}
		return soonest, nil
	}

	return candidates[rand.IntN(len(candidates))], nil
}
