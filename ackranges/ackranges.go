// Package ackranges keeps the set of received packet numbers for one
// packet number space, as the ranges an ACK frame reports.
// Set is NOT threadsafe.
package ackranges

import (
	"github.com/m-lab/quic/wire"
)

// MaxRanges bounds the ranges retained and reported; the oldest ranges are
// dropped first.  32 gaps is far beyond what a live connection produces.
const MaxRanges = 32

// Set is a collection of received packet numbers, held as disjoint ranges
// sorted ascending.
type Set struct {
	ranges []wire.AckRange
}

// Add records pn as received.  It reports false if pn was already present.
func (s *Set) Add(pn wire.PacketNumber) bool {
	// Find the first range with Largest >= pn-1 (a range pn could touch).
	i := 0
	for ; i < len(s.ranges); i++ {
		if s.ranges[i].Largest >= pn-1 {
			break
		}
	}
	if i == len(s.ranges) {
		s.ranges = append(s.ranges, wire.AckRange{Smallest: pn, Largest: pn})
		s.trim()
		return true
	}
	r := &s.ranges[i]
	if pn >= r.Smallest && pn <= r.Largest {
		return false
	}
	switch {
	case pn == r.Largest+1:
		r.Largest = pn
		// Merge with the following range if now adjacent.
		if i+1 < len(s.ranges) && s.ranges[i+1].Smallest == pn+1 {
			r.Largest = s.ranges[i+1].Largest
			s.ranges = append(s.ranges[:i+1], s.ranges[i+2:]...)
		}
	case pn == r.Smallest-1:
		r.Smallest = pn
	default:
		// A new range strictly before ranges[i].
		s.ranges = append(s.ranges, wire.AckRange{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = wire.AckRange{Smallest: pn, Largest: pn}
	}
	s.trim()
	return true
}

func (s *Set) trim() {
	if len(s.ranges) > MaxRanges {
		s.ranges = s.ranges[len(s.ranges)-MaxRanges:]
	}
}

// Contains reports whether pn has been received.
func (s *Set) Contains(pn wire.PacketNumber) bool {
	for _, r := range s.ranges {
		if pn < r.Smallest {
			return false
		}
		if pn <= r.Largest {
			return true
		}
	}
	return false
}

// Largest returns the largest received packet number, or
// InvalidPacketNumber if nothing has been received.
func (s *Set) Largest() wire.PacketNumber {
	if len(s.ranges) == 0 {
		return wire.InvalidPacketNumber
	}
	return s.ranges[len(s.ranges)-1].Largest
}

// IsDuplicateOrOld reports whether pn is either already present or below
// everything tracked (and therefore already acknowledged and discarded).
func (s *Set) IsDuplicateOrOld(pn wire.PacketNumber) bool {
	if len(s.ranges) > 0 && pn < s.ranges[0].Smallest {
		return true
	}
	return s.Contains(pn)
}

// AckRanges returns the ranges ordered largest-first, ready for an ACK
// frame.
func (s *Set) AckRanges() []wire.AckRange {
	out := make([]wire.AckRange, 0, len(s.ranges))
	for i := len(s.ranges) - 1; i >= 0; i-- {
		out = append(out, s.ranges[i])
	}
	return out
}

// DiscardBelow forgets packet numbers smaller than pn.  Called once an ACK
// covering them has itself been acknowledged.
func (s *Set) DiscardBelow(pn wire.PacketNumber) {
	for len(s.ranges) > 0 {
		r := &s.ranges[0]
		if r.Largest < pn {
			s.ranges = s.ranges[1:]
			continue
		}
		if r.Smallest < pn {
			r.Smallest = pn
		}
		return
	}
}

// Len returns the number of disjoint ranges.
func (s *Set) Len() int {
	return len(s.ranges)
}
