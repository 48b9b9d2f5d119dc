package isi

import (
	"encoding/binary"
	"math/rand"
	"time"
)

// SelectorMax and SelectorModulo define the selector wrap boundary (spec.md §3, §8):
// valid selectors are 0..SelectorMax inclusive, modulo SelectorModulo.
const (
	SelectorMax    = 0x2FFF
	SelectorModulo = 0x3000
)

// Rand is the random/slot allocator primitive (component 1). Production
// code uses NewRand, seeded from wall clock and the device's unique id;
// tests override Source to force deterministic, even colliding, results
// per spec.md §4.1 ("Implementations MUST allow a test seam...").
type Rand struct {
	Source *rand.Rand
}

// NewRand seeds a Rand from wall-clock time mixed with the device's
// 6-byte unique id, so that two devices starting in the same tick still
// diverge.
func NewRand(uniqueID [6]byte) *Rand {
	seed := time.Now().UnixNano()
	seed ^= int64(binary.BigEndian.Uint64(append(uniqueID[:], 0, 0)))
	return &Rand{Source: rand.New(rand.NewSource(seed))}
}

// Bounded implements rand_bounded(range, offset) = offset + (r mod range).
// Range must be > 0.
func (r *Rand) Bounded(rng, offset int) int {
	if rng <= 0 {
		return offset
	}
	return offset + r.Source.Intn(rng)
}

// AllocSlot returns a future tick count: a uniformly chosen slot among
// deviceCount slots, each ticksPerSlot wide (spec.md §4.1, grounded on
// original_source Slot.c).
func (r *Rand) AllocSlot(deviceCount, ticksPerSlot int) int {
	return r.Bounded(deviceCount, 0) * ticksPerSlot
}

// GetPeriod returns deviceCount*ticksPerSlot - 1 + rand_bounded(3, 0), the
// nominal broadcast period jittered by ±250ms (spec.md §4.1, grounded on
// original_source Period.c).
func (r *Rand) GetPeriod(deviceCount, ticksPerSlot int) int {
	return deviceCount*ticksPerSlot - 1 + r.Bounded(3, 0)
}

// SubnetBucketSize is the width of the 64-value subnet bucket a channel
// profile's SubnetBase anchors (spec.md §4.1, grounded on original_source
// Subnet.c: _IsiAllocSubnet = rand_bounded(ISI_SUBNET_BUCKET_SIZE, BaseSubnet)).
const SubnetBucketSize = 64

// NodeRange and NodeBase bound the randomly assigned node address to
// 2..125 inclusive (spec.md §4.1, grounded on original_source Node.c:
// rand_bounded(124, 2)).
const (
	NodeRange = 124
	NodeBase  = 2
)

// AllocSubnet returns a random subnet within the channel's 64-value
// bucket anchored at base, for a DAS handing out a new address.
func (r *Rand) AllocSubnet(base int) byte {
	return byte(r.Bounded(SubnetBucketSize, base))
}

// AllocNode returns a random node address in [2, 125], for a DAS handing
// out a new address.
func (r *Rand) AllocNode() byte {
	return byte(r.Bounded(NodeRange, NodeBase))
}

// AddSelector implements the only allowed selector arithmetic primitive:
// modulo-add around the 14-bit wrap boundary (spec.md §4.4, §8).
func AddSelector(base uint16, inc int) uint16 {
	return uint16((int(base) + inc) % SelectorModulo)
}

// InSelectorRange reports whether candidate falls in
// [base, base+count] (inclusive), honoring the wrap at SelectorModulo.
// This replaces the original's convoluted boolean-arithmetic
// implementation (InSelRng.c) with the straightforward wrap-aware
// comparison spec.md §4.4 describes.
func InSelectorRange(base uint16, count int, candidate uint16) bool {
	end := AddSelector(base, count)
	if end >= base {
		return candidate >= base && candidate <= end
	}
	return candidate >= base || candidate <= end
}
