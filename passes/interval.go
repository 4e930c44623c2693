package passes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/llir/llvm/ir/enum"
)

// interval is an inclusive range of unsigned integers.
type interval struct {
	lo, hi uint64
}

// intervalSet is a set of unsigned integers of a given size, represented as
// sorted, disjoint and non-adjacent intervals.
type intervalSet struct {
	// Size in number of bits.
	bits uint64
	// Intervals in increasing order.
	ivs []interval
}

// emptySet returns the empty set of bits-sized integers.
func emptySet(bits uint64) intervalSet {
	return intervalSet{bits: bits}
}

// fullSet returns the set of all bits-sized integers.
func fullSet(bits uint64) intervalSet {
	return intervalSet{bits: bits, ivs: []interval{{lo: 0, hi: maxValue(bits)}}}
}

// rangeSet returns the set of integers from lo through hi. The range wraps
// around if lo > hi.
func rangeSet(bits, lo, hi uint64) intervalSet {
	lo, hi = truncate(lo, bits), truncate(hi, bits)
	if lo <= hi {
		return intervalSet{bits: bits, ivs: []interval{{lo: lo, hi: hi}}}
	}
	return intervalSet{bits: bits, ivs: []interval{{lo: 0, hi: hi}, {lo: lo, hi: maxValue(bits)}}}
}

// isEmpty reports whether s is empty.
func (s intervalSet) isEmpty() bool {
	return len(s.ivs) == 0
}

// isFull reports whether s contains every integer.
func (s intervalSet) isFull() bool {
	return len(s.ivs) == 1 && s.ivs[0].lo == 0 && s.ivs[0].hi == maxValue(s.bits)
}

// contains reports whether x is in s.
func (s intervalSet) contains(x uint64) bool {
	for _, iv := range s.ivs {
		if iv.lo <= x && x <= iv.hi {
			return true
		}
	}
	return false
}

// union returns the union of s and t.
func (s intervalSet) union(t intervalSet) intervalSet {
	ivs := make([]interval, 0, len(s.ivs)+len(t.ivs))
	ivs = append(ivs, s.ivs...)
	ivs = append(ivs, t.ivs...)
	return normalize(s.bits, ivs)
}

// intersect returns the intersection of s and t.
func (s intervalSet) intersect(t intervalSet) intervalSet {
	var ivs []interval
	for _, a := range s.ivs {
		for _, b := range t.ivs {
			lo, hi := umax(a.lo, b.lo), umin(a.hi, b.hi)
			if lo <= hi {
				ivs = append(ivs, interval{lo: lo, hi: hi})
			}
		}
	}
	return normalize(s.bits, ivs)
}

// complement returns the integers not in s.
func (s intervalSet) complement() intervalSet {
	top := maxValue(s.bits)
	var ivs []interval
	next := uint64(0)
	done := false
	for _, iv := range s.ivs {
		if iv.lo > next {
			ivs = append(ivs, interval{lo: next, hi: iv.lo - 1})
		}
		if iv.hi == top {
			done = true
			break
		}
		next = iv.hi + 1
	}
	if !done {
		ivs = append(ivs, interval{lo: next, hi: top})
	}
	return intervalSet{bits: s.bits, ivs: ivs}
}

// symdiff returns the integers in exactly one of s and t.
func (s intervalSet) symdiff(t intervalSet) intervalSet {
	return s.intersect(t.complement()).union(t.intersect(s.complement()))
}

// add returns the set {x + c | x in s}, modulo the integer size.
func (s intervalSet) add(c uint64) intervalSet {
	c = truncate(c, s.bits)
	if c == 0 || s.isFull() {
		return s
	}
	top := maxValue(s.bits)
	var ivs []interval
	for _, iv := range s.ivs {
		lo, hi := truncate(iv.lo+c, s.bits), truncate(iv.hi+c, s.bits)
		if lo <= hi {
			ivs = append(ivs, interval{lo: lo, hi: hi})
			continue
		}
		ivs = append(ivs, interval{lo: 0, hi: hi}, interval{lo: lo, hi: top})
	}
	return normalize(s.bits, ivs)
}

// String returns the string representation of the set.
func (s intervalSet) String() string {
	var parts []string
	for _, iv := range s.ivs {
		parts = append(parts, fmt.Sprintf("[%d, %d]", iv.lo, iv.hi))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// normalize returns the set of the given intervals, merging overlapping and
// adjacent intervals.
func normalize(bits uint64, ivs []interval) intervalSet {
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].lo < ivs[j].lo })
	top := maxValue(bits)
	var merged []interval
	for _, iv := range ivs {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.hi == top || iv.lo <= last.hi+1 {
				last.hi = umax(last.hi, iv.hi)
				continue
			}
		}
		merged = append(merged, iv)
	}
	return intervalSet{bits: bits, ivs: merged}
}

// predSet returns the set of bits-sized integers x for which the comparison
// "x pred k" holds.
func predSet(pred enum.IPred, k, bits uint64) (intervalSet, bool) {
	k = truncate(k, bits)
	top := maxValue(bits)
	switch pred {
	case enum.IPredEQ:
		return rangeSet(bits, k, k), true
	case enum.IPredNE:
		return rangeSet(bits, k, k).complement(), true
	case enum.IPredULT:
		if k == 0 {
			return emptySet(bits), true
		}
		return rangeSet(bits, 0, k-1), true
	case enum.IPredULE:
		return rangeSet(bits, 0, k), true
	case enum.IPredUGT:
		if k == top {
			return emptySet(bits), true
		}
		return rangeSet(bits, k+1, top), true
	case enum.IPredUGE:
		return rangeSet(bits, k, top), true
	case enum.IPredSLT, enum.IPredSLE, enum.IPredSGT, enum.IPredSGE:
		// Adding the sign bit maps signed order onto unsigned order.
		bias := uint64(1) << (bits - 1)
		s, ok := predSet(unsigned(pred), k+bias, bits)
		return s.add(-bias), ok
	}
	return intervalSet{}, false
}

// unsigned returns the unsigned counterpart of the signed predicate pred.
func unsigned(pred enum.IPred) enum.IPred {
	switch pred {
	case enum.IPredSLT:
		return enum.IPredULT
	case enum.IPredSLE:
		return enum.IPredULE
	case enum.IPredSGT:
		return enum.IPredUGT
	case enum.IPredSGE:
		return enum.IPredUGE
	}
	return pred
}

// maxValue returns the largest unsigned integer of the given size.
func maxValue(bits uint64) uint64 {
	return truncate(^uint64(0), bits)
}

// umin returns the smaller of x and y.
func umin(x, y uint64) uint64 {
	if x < y {
		return x
	}
	return y
}

// umax returns the larger of x and y.
func umax(x, y uint64) uint64 {
	if x > y {
		return x
	}
	return y
}
