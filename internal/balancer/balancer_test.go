package balancer

import (
	"testing"

	"github.com/kestrelproxy/kestrel/internal/upstream"
)

func upServers(weights ...int) []*upstream.Server {
	out := make([]*upstream.Server, len(weights))
	for i, w := range weights {
		s := upstream.NewServer(string(rune('a'+i)), w)
		s.RecordSuccess(1)
		out[i] = s
	}
	return out
}

func groupOf(policy string, servers []*upstream.Server) *upstream.Group {
	return upstream.NewGroup("g", policy, "", servers)
}

func TestRoundRobinCycles(t *testing.T) {
	servers := upServers(1, 1, 1)
	g := groupOf("round_robin", servers)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		s, err := Select(g, Request{}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[s.Address]++
	}
	for _, c := range seen {
		if c != 2 {
			t.Fatalf("expected even round-robin distribution, got %v", seen)
		}
	}
}

func TestSmoothWeightedFavorsHigherWeight(t *testing.T) {
	servers := upServers(3, 1)
	g := groupOf("smooth_weighted", servers)

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		s, _ := Select(g, Request{}, nil)
		counts[s.Address]++
	}
	if counts["a"] <= counts["b"] {
		t.Fatalf("expected heavier-weighted server picked more often, got %v", counts)
	}
}

func TestSmoothWeightedFollowsDecayedEffectiveWeight(t *testing.T) {
	servers := upServers(4, 4)
	// Decay a's effective weight without tripping the fall threshold, so
	// it remains available but smooth_weighted should favor b instead.
	servers[0].RecordFailure(100)
	g := groupOf("smooth_weighted", servers)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		s, _ := Select(g, Request{}, nil)
		counts[s.Address]++
	}
	if counts["b"] <= counts["a"] {
		t.Fatalf("expected decayed effective weight to shift selection toward b, got %v", counts)
	}
}

func TestLeastConnPicksIdlest(t *testing.T) {
	servers := upServers(1, 1)
	servers[0].IncrConn()
	g := groupOf("least_conn", servers)

	s, _ := Select(g, Request{}, nil)
	if s.Address != "b" {
		t.Fatalf("expected idle server chosen, got %s", s.Address)
	}
}

func TestIPHashIsStable(t *testing.T) {
	servers := upServers(1, 1, 1)
	g := groupOf("ip_hash", servers)

	first, _ := Select(g, Request{ClientIP: "10.0.0.5"}, nil)
	for i := 0; i < 5; i++ {
		again, _ := Select(g, Request{ClientIP: "10.0.0.5"}, nil)
		if again.Address != first.Address {
			t.Fatalf("expected ip_hash to be stable for the same client IP")
		}
	}
}

func TestNoAvailableServersErrors(t *testing.T) {
	down := upstream.NewServer("a", 1)
	down.RecordFailure(1)
	g := groupOf("round_robin", []*upstream.Server{down})

	_, err := Select(g, Request{}, nil)
	if err != ErrNoAvailableServers {
		t.Fatalf("expected ErrNoAvailableServers, got %v", err)
	}
}

func TestSessionStickinessMatchesEitherKey(t *testing.T) {
	servers := upServers(1, 1, 1)
	g := upstream.NewGroup("g", "round_robin", "client_ip", servers)
	sessions := NewSessionTable()

	first, _ := Select(g, Request{ClientIP: "1.2.3.4"}, sessions)
	second, _ := Select(g, Request{ClientIP: "1.2.3.4"}, sessions)
	if first.Address != second.Address {
		t.Fatalf("expected sticky session to return the same server")
	}

	// A lookup by session-id alone, after a bind recorded both fields,
	// should also hit.
	sessions.Bind("g", "9.9.9.9", "sess-1", servers[0])
	third := sessions.Lookup("g", "", "sess-1", servers)
	if third != servers[0] {
		t.Fatalf("expected session-id lookup to match bound server")
	}
	fourth := sessions.Lookup("g", "9.9.9.9", "", servers)
	if fourth != servers[0] {
		t.Fatalf("expected client-ip lookup to match bound server")
	}
}
