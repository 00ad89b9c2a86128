package upstream

import (
	"testing"
	"time"
)

func TestRecordFailureTransitionsToDown(t *testing.T) {
	s := NewServer("127.0.0.1:9000", 1)
	if r := s.RecordFailure(3); r.Changed {
		t.Fatalf("expected no transition on 1st failure")
	}
	if r := s.RecordFailure(3); r.Changed {
		t.Fatalf("expected no transition on 2nd failure")
	}
	r := s.RecordFailure(3)
	if !r.Changed || r.NewStatus != StatusDown {
		t.Fatalf("expected transition to DOWN on 3rd failure, got %+v", r)
	}
}

func TestRecordSuccessTransitionsToUp(t *testing.T) {
	s := NewServer("127.0.0.1:9000", 1)
	s.RecordFailure(1) // DOWN

	if r := s.RecordSuccess(2); r.Changed {
		t.Fatalf("expected no transition on 1st success")
	}
	r := s.RecordSuccess(2)
	if !r.Changed || r.NewStatus != StatusUp {
		t.Fatalf("expected transition to UP on 2nd success, got %+v", r)
	}
}

func TestFailureCounterResetOnlyWhenNotAlreadyUp(t *testing.T) {
	s := NewServer("127.0.0.1:9000", 1)
	s.RecordSuccess(1) // UP

	s.RecordFailure(3) // 1st failure while UP, no transition
	if s.Status() != StatusUp {
		t.Fatalf("expected still UP after a single failure below fall threshold")
	}
	// A success while already UP must not wipe the accumulated failure
	// count per the resolved boundary behavior.
	s.RecordSuccess(1)
	s.RecordFailure(3)
	r := s.RecordFailure(3)
	if !r.Changed || r.NewStatus != StatusDown {
		t.Fatalf("expected accumulated failures to still reach fall threshold, got %+v", r)
	}
}

func TestGroupAvailableExcludesDown(t *testing.T) {
	up := NewServer("a", 1)
	up.RecordSuccess(1)
	down := NewServer("b", 1)
	down.RecordFailure(1)

	g := NewGroup("g", "round_robin", "", []*Server{up, down})
	avail := g.Available()
	if len(avail) != 1 || avail[0].Address != "a" {
		t.Fatalf("expected only the healthy server available, got %+v", avail)
	}
}

func TestServerAvailableRespectsMaxConns(t *testing.T) {
	s := NewServer("a", 1)
	s.RecordSuccess(1)
	s.SetLimits(2, 0, 0)

	s.IncrConn()
	s.IncrConn()
	if s.Available() {
		t.Fatalf("expected server unavailable at max_conns")
	}
	s.DecrConn()
	if !s.Available() {
		t.Fatalf("expected server available below max_conns")
	}
}

func TestServerAvailableRecoversAfterFailTimeout(t *testing.T) {
	s := NewServer("a", 1)
	s.RecordSuccess(1)
	s.SetLimits(0, 1, 10*time.Millisecond)

	s.RecordFailure(100) // below fall threshold, so status stays UP
	if s.Available() {
		t.Fatalf("expected server unavailable inside the fail-timeout window")
	}

	time.Sleep(20 * time.Millisecond)
	if !s.Available() {
		t.Fatalf("expected server available again after fail_timeout elapses")
	}
}

func TestEffectiveWeightDecaysOnFailureAndRecoversOnSuccess(t *testing.T) {
	s := NewServer("a", 4)
	s.RecordSuccess(1)
	if got := s.EffectiveWeight(); got != 4 {
		t.Fatalf("expected initial effective weight 4, got %d", got)
	}

	s.RecordFailure(100)
	if got := s.EffectiveWeight(); got >= 4 {
		t.Fatalf("expected effective weight decayed below configured weight, got %d", got)
	}

	decayed := s.EffectiveWeight()
	s.RecordSuccess(1)
	if got := s.EffectiveWeight(); got <= decayed {
		t.Fatalf("expected effective weight to recover after success, got %d (was %d)", got, decayed)
	}
}

func TestConnCounting(t *testing.T) {
	s := NewServer("a", 1)
	s.IncrConn()
	s.IncrConn()
	s.DecrConn()
	if s.ActiveConns() != 1 {
		t.Fatalf("expected 1 active conn, got %d", s.ActiveConns())
	}
}
