// Package upstream implements the upstream pool (C5): named groups of
// weighted backend servers with live connection counts, response-time
// tracking, and health-state bookkeeping shared by the load balancer
// (C6) and health checker (C7).
package upstream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is a server's current health state.
type Status int

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
	StatusChecking
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	case StatusChecking:
		return "checking"
	default:
		return "unknown"
	}
}

// Server is one backend within a Group.
type Server struct {
	Address string
	Weight  int

	// CurrentWeight is Smooth Weighted Round Robin's accumulator (C6).
	CurrentWeight int

	mu                  sync.Mutex
	status              Status
	consecutiveFailures int
	consecutiveSuccess  int
	lastFailureTime     time.Time
	lastStatusChange     time.Time
	avgResponseTime     time.Duration
	effectiveWeight     int

	maxConns    int
	maxFails    int
	failTimeout time.Duration

	activeConns atomic.Int64
	disabled    atomic.Bool
}

// NewServer creates a Server in StatusUnknown awaiting its first probe.
func NewServer(address string, weight int) *Server {
	if weight <= 0 {
		weight = 1
	}
	return &Server{Address: address, Weight: weight, CurrentWeight: 0, effectiveWeight: weight, status: StatusUnknown}
}

// SetLimits configures the passive circuit-breaker fields Available
// consults: maxConns caps concurrent connections (0 disables the cap),
// and maxFails/failTimeout implement the fail-timeout soft-recovery
// window (0 maxFails disables the breaker).
func (s *Server) SetLimits(maxConns, maxFails int, failTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConns = maxConns
	s.maxFails = maxFails
	s.failTimeout = failTimeout
}

// EffectiveWeight returns the currently decayed weight Smooth Weighted
// Round Robin accumulates by, restored toward Weight on success and
// decayed on failure.
func (s *Server) EffectiveWeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveWeight
}

// Status returns the server's current health state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ActiveConns returns the current live-connection count, for Least
// Connections selection.
func (s *Server) ActiveConns() int64 {
	return s.activeConns.Load()
}

// IncrConn records a new connection being opened to this server.
func (s *Server) IncrConn() {
	s.activeConns.Add(1)
}

// DecrConn records a connection closing.
func (s *Server) DecrConn() {
	s.activeConns.Add(-1)
}

// Disable marks the server administratively out of rotation, regardless
// of probe-derived health status, until Enable is called.
func (s *Server) Disable() {
	s.disabled.Store(true)
}

// Enable clears an administrative Disable, returning the server to
// rotation once its probe-derived status allows it.
func (s *Server) Enable() {
	s.disabled.Store(false)
}

// Disabled reports whether the server is administratively out of
// rotation.
func (s *Server) Disabled() bool {
	return s.disabled.Load()
}

// RecordLatency folds a response-time sample into an exponential moving
// average (alpha=0.2), matching the smoothing weight used for load stats
// elsewhere in the pack's runtime-stats helpers.
func (s *Server) RecordLatency(d time.Duration) {
	const alpha = 0.2
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.avgResponseTime == 0 {
		s.avgResponseTime = d
		return
	}
	s.avgResponseTime = time.Duration(alpha*float64(d) + (1-alpha)*float64(s.avgResponseTime))
}

// AvgResponseTime returns the current smoothed response-time estimate.
func (s *Server) AvgResponseTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgResponseTime
}

// TransitionResult describes what RecordSuccess/RecordFailure changed, so
// callers (the health checker) can log state transitions.
type TransitionResult struct {
	Changed   bool
	OldStatus Status
	NewStatus Status
}

// RecordSuccess registers a successful probe. The failure counter resets
// to zero whenever the server was not already UP (the counter is kept
// intact across repeated successes once UP, matching the boundary case
// resolved from the C reference implementation); the success counter
// increments and, upon reaching rise, transitions the server to UP.
func (s *Server) RecordSuccess(rise int) TransitionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.status
	if old != StatusUp {
		s.consecutiveFailures = 0
	}
	s.consecutiveSuccess++

	if s.effectiveWeight < s.Weight {
		s.effectiveWeight++
	}

	if s.consecutiveSuccess >= rise && old != StatusUp {
		s.status = StatusUp
		s.consecutiveFailures = 0
		s.consecutiveSuccess = 0
		s.lastStatusChange = time.Now()
		return TransitionResult{Changed: true, OldStatus: old, NewStatus: StatusUp}
	}
	return TransitionResult{Changed: false, OldStatus: old, NewStatus: s.status}
}

// RecordFailure registers a failed probe. The failure counter always
// increments and the failure timestamp is always stamped; upon reaching
// fall, the server transitions to DOWN and both counters reset.
func (s *Server) RecordFailure(fall int) TransitionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.status
	s.consecutiveFailures++
	s.consecutiveSuccess = 0
	s.lastFailureTime = time.Now()

	s.effectiveWeight -= s.Weight
	if s.effectiveWeight < 1 {
		s.effectiveWeight = 1
	}

	if s.consecutiveFailures >= fall && old != StatusDown {
		s.status = StatusDown
		s.consecutiveFailures = 0
		s.lastStatusChange = time.Now()
		return TransitionResult{Changed: true, OldStatus: old, NewStatus: StatusDown}
	}
	return TransitionResult{Changed: false, OldStatus: old, NewStatus: s.status}
}

// Group is a named pool of weighted backends sharing a balancing policy.
type Group struct {
	Name          string
	Policy        string
	StickySession string // "", "client_ip", "session_id"

	mu      sync.RWMutex
	servers []*Server
	rrIndex uint64
}

// NewGroup builds a Group over the given servers.
func NewGroup(name, policy, sticky string, servers []*Server) *Group {
	return &Group{Name: name, Policy: policy, StickySession: sticky, servers: servers}
}

// Servers returns a snapshot slice of all servers in the group.
func (g *Group) Servers() []*Server {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Server, len(g.servers))
	copy(out, g.servers)
	return out
}

// Available reports whether s is eligible for selection: administratively
// enabled, UP or UNKNOWN (not yet probed), under its configured connection
// cap, and not within an open fail-timeout window. The fail-timeout check
// implements soft recovery: once now - lastFailureTime reaches
// failTimeout, the server re-enters rotation even though its failure
// counter hasn't been reset by a subsequent successful probe.
func (s *Server) Available() bool {
	if s.Disabled() {
		return false
	}
	if st := s.Status(); st != StatusUp && st != StatusUnknown {
		return false
	}

	s.mu.Lock()
	maxConns := s.maxConns
	maxFails := s.maxFails
	failTimeout := s.failTimeout
	failures := s.consecutiveFailures
	lastFailure := s.lastFailureTime
	s.mu.Unlock()

	if maxConns > 0 && s.ActiveConns() >= int64(maxConns) {
		return false
	}
	if maxFails > 0 && failures >= maxFails {
		if failTimeout <= 0 || time.Since(lastFailure) < failTimeout {
			return false
		}
	}
	return true
}

// Available returns the servers in g eligible for selection, per
// Server.Available's predicate.
func (g *Group) Available() []*Server {
	all := g.Servers()
	out := make([]*Server, 0, len(all))
	for _, s := range all {
		if s.Available() {
			out = append(out, s)
		}
	}
	return out
}

// NextRoundRobinIndex atomically advances and returns a rotating index,
// used by the Round Robin policy.
func (g *Group) NextRoundRobinIndex() uint64 {
	return atomic.AddUint64(&g.rrIndex, 1) - 1
}

// TotalWeight sums the configured weight of all servers in the group.
func (g *Group) TotalWeight() int {
	total := 0
	for _, s := range g.Servers() {
		total += s.Weight
	}
	return total
}

// Pool is the set of all configured upstream groups, keyed by name.
type Pool struct {
	mu     sync.RWMutex
	groups map[string]*Group
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{groups: map[string]*Group{}}
}

// Add registers a group under its name.
func (p *Pool) Add(g *Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[g.Name] = g
}

// Group looks up a group by name.
func (p *Pool) Group(name string) (*Group, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.groups[name]
	return g, ok
}

// All returns every configured group.
func (p *Pool) All() []*Group {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Group, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g)
	}
	return out
}
