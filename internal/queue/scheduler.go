package queue

import (
	"net/url"
	"sync"
)

// HostScheduler tracks, per hostname, how many downloads are currently
// active and whether that count has hit an operator-configured ceiling.
type HostScheduler struct {
	mu         sync.Mutex
	hostLimits map[string]int
	active     map[string]int
}

// NewHostScheduler returns a scheduler with no configured host limits
// (every host is unlimited until SetHostLimit is called).
func NewHostScheduler() *HostScheduler {
	return &HostScheduler{
		hostLimits: make(map[string]int),
		active:     make(map[string]int),
	}
}

// SetHostLimit caps concurrent downloads against host to limit (0 = unlimited).
func (s *HostScheduler) SetHostLimit(host string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostLimits[host] = limit
}

// CanStart reports whether rawURL's host is below its configured limit.
func (s *HostScheduler) CanStart(rawURL string) bool {
	host := hostOf(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.hostLimits[host]
	if limit <= 0 {
		return true
	}
	return s.active[host] < limit
}

// OnStarted records that a download against rawURL's host has begun.
func (s *HostScheduler) OnStarted(rawURL string) {
	host := hostOf(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[host]++
}

// OnFinished records that a download against rawURL's host has ended.
func (s *HostScheduler) OnFinished(rawURL string) {
	host := hostOf(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[host] > 0 {
		s.active[host]--
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
