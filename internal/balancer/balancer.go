// Package balancer implements the load-balancer selector (C6): six
// backend-selection policies plus session persistence, grounded on
// original_source/src/load_balancer.c's algorithms (the Go pack has no
// load balancer to imitate directly) and wired to internal/upstream's
// server/group bookkeeping.
package balancer

import (
	"errors"
	"hash/fnv"
	"math/rand"

	"github.com/kestrelproxy/kestrel/internal/upstream"
)

// ErrNoAvailableServers is returned when a group has no UP/UNKNOWN servers.
var ErrNoAvailableServers = errors.New("balancer: no available servers")

// Request carries the selection context a policy may need.
type Request struct {
	ClientIP  string
	SessionID string
}

// Select picks a server from g according to g.Policy, consulting the
// session table first when g.StickySession is enabled.
func Select(g *upstream.Group, req Request, sessions *SessionTable) (*upstream.Server, error) {
	available := g.Available()
	if len(available) == 0 {
		return nil, ErrNoAvailableServers
	}

	if g.StickySession != "" && sessions != nil {
		if s := sessions.Lookup(g.Name, req.ClientIP, req.SessionID, available); s != nil {
			return s, nil
		}
	}

	var chosen *upstream.Server
	switch g.Policy {
	case "round_robin":
		chosen = roundRobin(g, available)
	case "smooth_weighted":
		chosen = smoothWeighted(available)
	case "least_conn":
		chosen = leastConn(available)
	case "ip_hash":
		chosen = ipHash(available, req.ClientIP)
	case "weighted_random":
		chosen = weightedRandom(available)
	case "random":
		chosen = available[rand.Intn(len(available))]
	default:
		chosen = roundRobin(g, available)
	}

	if g.StickySession != "" && sessions != nil && chosen != nil {
		sessions.Bind(g.Name, req.ClientIP, req.SessionID, chosen)
	}
	return chosen, nil
}

func roundRobin(g *upstream.Group, available []*upstream.Server) *upstream.Server {
	idx := g.NextRoundRobinIndex()
	return available[int(idx%uint64(len(available)))]
}

// smoothWeighted implements nginx-style Smooth Weighted Round Robin: each
// server's CurrentWeight accumulates by its current EffectiveWeight every
// pick; the server with the highest CurrentWeight is chosen and then
// penalized by the group's total effective weight, spreading picks
// proportionally to weight without the bursty runs a naive weighted round
// robin produces. EffectiveWeight decays on failure and recovers toward
// Weight on success, so a flaky backend is naturally deprioritized without
// leaving rotation outright.
func smoothWeighted(available []*upstream.Server) *upstream.Server {
	total := 0
	var best *upstream.Server
	for _, s := range available {
		ew := s.EffectiveWeight()
		s.CurrentWeight += ew
		total += ew
		if best == nil || s.CurrentWeight > best.CurrentWeight {
			best = s
		}
	}
	if best != nil {
		best.CurrentWeight -= total
	}
	return best
}

func leastConn(available []*upstream.Server) *upstream.Server {
	best := available[0]
	for _, s := range available[1:] {
		if s.ActiveConns() < best.ActiveConns() {
			best = s
		}
	}
	return best
}

func ipHash(available []*upstream.Server, clientIP string) *upstream.Server {
	if clientIP == "" {
		return available[0]
	}
	h := fnv.New32a()
	h.Write([]byte(clientIP))
	idx := int(h.Sum32()) % len(available)
	if idx < 0 {
		idx += len(available)
	}
	return available[idx]
}

// weightedRandom performs an inverse-CDF scan over cumulative weight,
// confirmed against load_balancer.c's random-weight selection loop.
func weightedRandom(available []*upstream.Server) *upstream.Server {
	total := 0
	for _, s := range available {
		total += s.Weight
	}
	if total <= 0 {
		return available[rand.Intn(len(available))]
	}
	r := rand.Intn(total)
	cum := 0
	for _, s := range available {
		cum += s.Weight
		if r < cum {
			return s
		}
	}
	return available[len(available)-1]
}
