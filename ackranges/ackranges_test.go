package ackranges

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/m-lab/quic/wire"
)

func TestAddAndMerge(t *testing.T) {
	var s Set
	for _, pn := range []wire.PacketNumber{5, 0, 1, 2, 10, 4} {
		if !s.Add(pn) {
			t.Errorf("Add(%d) reported duplicate", pn)
		}
	}
	// 0-2, 4-5, 10
	want := []wire.AckRange{{Smallest: 10, Largest: 10}, {Smallest: 4, Largest: 5}, {Smallest: 0, Largest: 2}}
	if diff := deep.Equal(s.AckRanges(), want); diff != nil {
		t.Error(diff)
	}
	// 3 bridges the first two ranges.
	s.Add(3)
	want = []wire.AckRange{{Smallest: 10, Largest: 10}, {Smallest: 0, Largest: 5}}
	if diff := deep.Equal(s.AckRanges(), want); diff != nil {
		t.Error(diff)
	}
	if s.Largest() != 10 {
		t.Errorf("Largest = %d", s.Largest())
	}
}

func TestDuplicates(t *testing.T) {
	var s Set
	s.Add(3)
	s.Add(4)
	if s.Add(3) || s.Add(4) {
		t.Error("duplicate add accepted")
	}
	if !s.Contains(3) || s.Contains(5) {
		t.Error("Contains wrong")
	}
}

func TestDiscardBelow(t *testing.T) {
	var s Set
	for pn := wire.PacketNumber(0); pn < 10; pn++ {
		s.Add(pn)
	}
	s.Add(20)
	s.DiscardBelow(5)
	want := []wire.AckRange{{Smallest: 20, Largest: 20}, {Smallest: 5, Largest: 9}}
	if diff := deep.Equal(s.AckRanges(), want); diff != nil {
		t.Error(diff)
	}
	if !s.IsDuplicateOrOld(2) {
		t.Error("discarded packet not reported as old")
	}
	s.DiscardBelow(21)
	if s.Len() != 0 {
		t.Errorf("Len = %d after discarding everything", s.Len())
	}
	if s.Largest() != wire.InvalidPacketNumber {
		t.Error("Largest on empty set")
	}
}

func TestRangeBound(t *testing.T) {
	var s Set
	// Every even packet creates its own range.
	for pn := wire.PacketNumber(0); pn < 200; pn += 2 {
		s.Add(pn)
	}
	if s.Len() != MaxRanges {
		t.Errorf("Len = %d, want %d", s.Len(), MaxRanges)
	}
	// The newest ranges survive.
	if !s.Contains(198) {
		t.Error("newest packet evicted")
	}
	if s.Contains(0) {
		t.Error("oldest packet retained")
	}
}
