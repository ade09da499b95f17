package cid

import (
	"log"
	"testing"

	"github.com/m-lab/quic/wire"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func TestRandomGenerator(t *testing.T) {
	g := &RandomGenerator{Length: 8}
	a, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 8 || len(b) != 8 {
		t.Fatalf("lengths %d, %d", len(a), len(b))
	}
	if a.Equal(b) {
		t.Error("two generated IDs are equal")
	}
}

func TestHMACTokenStable(t *testing.T) {
	s := NewHMACTokenSource()
	id := wire.ConnectionID{1, 2, 3, 4}
	if s.Token(id) != s.Token(id) {
		t.Error("token not stable for one ID")
	}
	if s.Token(id) == s.Token(wire.ConnectionID{4, 3, 2, 1}) {
		t.Error("token identical for distinct IDs")
	}
}

func TestLocalIssueAndRetire(t *testing.T) {
	routing := map[string]bool{}
	l := NewLocal(wire.ConnectionID{0xaa}, &RandomGenerator{Length: 4}, NewHMACTokenSource(),
		func(id wire.ConnectionID, _ wire.StatelessResetToken) { routing[id.String()] = true },
		func(id wire.ConnectionID) { delete(routing, id.String()) })

	l.SetPeerLimit(3)
	if err := l.IssueUpToLimit(); err != nil {
		t.Fatal(err)
	}
	if l.ActiveCount() != 3 {
		t.Fatalf("active %d, want 3", l.ActiveCount())
	}
	frames := l.PopFrames()
	if len(frames) != 2 {
		t.Fatalf("%d NEW_CONNECTION_ID frames, want 2", len(frames))
	}
	if len(routing) != 3 {
		t.Fatalf("routing table has %d entries", len(routing))
	}
	ncid := frames[0].(*wire.NewConnectionIDFrame)
	if ncid.Sequence != 1 || len(ncid.ID) != 4 {
		t.Errorf("frame %+v", ncid)
	}

	// Retiring one replaces it and fixes the routing table.
	if err := l.Retire(1, wire.ConnectionID{0xaa}); err != nil {
		t.Fatal(err)
	}
	if l.ActiveCount() != 3 {
		t.Fatalf("active %d after retire", l.ActiveCount())
	}
	if len(routing) != 3 {
		t.Fatalf("routing %d after retire", len(routing))
	}
	if len(l.PopFrames()) != 1 {
		t.Error("no replacement frame queued")
	}

	// Retiring via the retired ID itself is a violation.
	err := l.Retire(0, wire.ConnectionID{0xaa})
	te, ok := err.(*wire.TransportError)
	if !ok || te.Code != wire.ProtocolViolation {
		t.Errorf("self-retire: %v", err)
	}
	// Retiring an unissued sequence is a violation.
	if err := l.Retire(99, nil); err == nil {
		t.Error("unissued sequence accepted")
	}
}

func TestRemoteHandle(t *testing.T) {
	r := NewRemote(wire.ConnectionID{1}, 2)
	if !r.Current().Equal(wire.ConnectionID{1}) {
		t.Fatal("wrong initial ID")
	}

	f := &wire.NewConnectionIDFrame{Sequence: 1, ID: wire.ConnectionID{2}, Token: wire.StatelessResetToken{9}}
	if err := r.Handle(f); err != nil {
		t.Fatal(err)
	}
	// Retransmission is idempotent.
	if err := r.Handle(f); err != nil {
		t.Fatal(err)
	}
	if r.ActiveCount() != 2 {
		t.Fatalf("active %d", r.ActiveCount())
	}

	// Same sequence, different ID.
	bad := &wire.NewConnectionIDFrame{Sequence: 1, ID: wire.ConnectionID{3}}
	if err := r.Handle(bad); err == nil {
		t.Error("conflicting reuse accepted")
	}

	// Exceeding the limit.
	over := &wire.NewConnectionIDFrame{Sequence: 2, ID: wire.ConnectionID{4}}
	err := r.Handle(over)
	te, ok := err.(*wire.TransportError)
	if !ok || te.Code != wire.ConnectionIDLimitError {
		t.Errorf("limit: %v", err)
	}
}

func TestRemoteRotate(t *testing.T) {
	r := NewRemote(wire.ConnectionID{1}, 4)
	if r.Rotate() {
		t.Fatal("rotated with no spare ID")
	}
	r.Handle(&wire.NewConnectionIDFrame{Sequence: 1, ID: wire.ConnectionID{2}})
	if !r.Rotate() {
		t.Fatal("rotation failed with a spare ID")
	}
	if !r.Current().Equal(wire.ConnectionID{2}) {
		t.Fatalf("current %s", r.Current())
	}
	frames := r.PopFrames()
	if len(frames) != 1 {
		t.Fatalf("%d retire frames", len(frames))
	}
	if frames[0].(*wire.RetireConnectionIDFrame).Sequence != 0 {
		t.Error("wrong sequence retired")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("active %d after rotation", r.ActiveCount())
	}
}

func TestRemoteRetirePriorTo(t *testing.T) {
	r := NewRemote(wire.ConnectionID{1}, 4)
	r.Handle(&wire.NewConnectionIDFrame{Sequence: 1, ID: wire.ConnectionID{2}})
	// Sequence 2 demands retirement of everything below it.
	err := r.Handle(&wire.NewConnectionIDFrame{Sequence: 2, RetirePriorTo: 2, ID: wire.ConnectionID{3}})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Current().Equal(wire.ConnectionID{3}) {
		t.Fatalf("current %s after forced retirement", r.Current())
	}
	frames := r.PopFrames()
	if len(frames) != 2 {
		t.Fatalf("%d retire frames, want 2", len(frames))
	}
	// A late NEW_CONNECTION_ID below retire_prior_to is retired on sight.
	r.Handle(&wire.NewConnectionIDFrame{Sequence: 0, ID: wire.ConnectionID{1}})
	if r.ActiveCount() != 1 {
		t.Errorf("active %d", r.ActiveCount())
	}
}

// No connection ID value may live in two active sets at once.
func TestNoCrossSetReuse(t *testing.T) {
	l := NewLocal(wire.ConnectionID{7, 7}, &RandomGenerator{Length: 2}, NewHMACTokenSource(), nil, nil)
	l.SetPeerLimit(4)
	l.IssueUpToLimit()
	r := NewRemote(wire.ConnectionID{8, 8}, 4)
	r.Handle(&wire.NewConnectionIDFrame{Sequence: 1, ID: wire.ConnectionID{9, 9}})

	for _, f := range l.PopFrames() {
		ncid := f.(*wire.NewConnectionIDFrame)
		if ncid.ID.Equal(r.Current()) {
			t.Error("issued ID collides with peer ID in use")
		}
	}
}
