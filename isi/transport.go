package isi

import (
	"fmt"
	"time"
)

// ChannelType identifies a LonTalk channel technology. Selecting a
// channel type picks a Profile with different timing constants (spec.md
// §4.2).
type ChannelType uint8

const (
	ChannelTP10 ChannelType = iota
	ChannelTPFT10
	ChannelPL20A
	ChannelPL20C
	ChannelPL20N
	ChannelIP852
	ChannelIzoTIP
)

func (c ChannelType) String() string {
	switch c {
	case ChannelTP10:
		return "TP/XF-1250"
	case ChannelTPFT10:
		return "TP/FT-10"
	case ChannelPL20A:
		return "PL-20A"
	case ChannelPL20C:
		return "PL-20C"
	case ChannelPL20N:
		return "PL-20N"
	case ChannelIP852:
		return "IP-852"
	case ChannelIzoTIP:
		return "IzoT-IP"
	default:
		return fmt.Sprintf("ChannelType(%d)", uint8(c))
	}
}

// tick is the engine's cooperative-scheduling unit (spec.md §5: tick()
// is called every 250ms).
const tick = 250 * time.Millisecond

// Profile holds the per-channel timing constants spec.md §4.2 requires:
// repeat timer, tx timer, group and non-group receive timers, the base
// subnet for the channel's 64-value bucket, ticks-per-slot, and the
// spreading interval. Modeled directly on cs104.Config's named-timer +
// Valid()/DefaultConfig() shape.
type Profile struct {
	// RepeatTimer is the interval between repeats of an unacknowledged
	// outbound message.
	RepeatTimer time.Duration `yaml:"repeat_timer"`
	// TxTimer bounds how long the link layer may take to accept an
	// outbound frame before the engine considers the channel busy.
	TxTimer time.Duration `yaml:"tx_timer"`
	// GroupReceiveTimer and NonGroupReceiveTimer encode the link-layer
	// timer-code used when programming group vs. non-group address
	// table entries for a connection (spec.md §4.2, §4.4).
	GroupReceiveTimer    time.Duration `yaml:"group_receive_timer"`
	NonGroupReceiveTimer time.Duration `yaml:"non_group_receive_timer"`
	// SubnetBase anchors this channel's 64-value subnet bucket used by
	// the random subnet allocator.
	SubnetBase int `yaml:"subnet_base"`
	// TicksPerSlot is the width, in ticks, of one broadcast slot.
	TicksPerSlot int `yaml:"ticks_per_slot"`
	// SpreadingInterval is the number of ticks since the last inbound
	// ISI frame at which `spreading` saturates (spec.md §3, §4.6).
	SpreadingInterval int `yaml:"spreading_interval"`
}

// Valid range bounds for Profile fields, mirrored after cs104.Config's
// Min/Max constant pairs.
const (
	RepeatTimerMin = 16 * time.Millisecond
	RepeatTimerMax = 2 * time.Second

	TicksPerSlotMin = 1
	TicksPerSlotMax = 255

	SpreadingIntervalMin = 1
	SpreadingIntervalMax = 255
)

// Valid fills zero-valued fields with the channel's IEC-style defaults
// and range-checks the rest, exactly as cs104.Config.Valid does for its
// own timer fields.
func (p *Profile) Valid() error {
	if p == nil {
		return wrap(ErrInvalidParameter, "nil profile")
	}
	if p.RepeatTimer == 0 {
		p.RepeatTimer = 96 * time.Millisecond
	} else if p.RepeatTimer < RepeatTimerMin || p.RepeatTimer > RepeatTimerMax {
		return wrap(ErrInvalidParameter, "RepeatTimer out of range")
	}
	if p.TicksPerSlot == 0 {
		p.TicksPerSlot = 2
	} else if p.TicksPerSlot < TicksPerSlotMin || p.TicksPerSlot > TicksPerSlotMax {
		return wrap(ErrInvalidParameter, "TicksPerSlot out of range")
	}
	if p.SpreadingInterval == 0 {
		p.SpreadingInterval = 4
	} else if p.SpreadingInterval < SpreadingIntervalMin || p.SpreadingInterval > SpreadingIntervalMax {
		return wrap(ErrInvalidParameter, "SpreadingInterval out of range")
	}
	return nil
}

// DefaultProfiles returns the built-in timing table keyed by channel
// type (spec.md §4.2). Values follow the relative ordering of the
// original LonTalk media (power-line channels get longer timers than
// twisted pair or IP).
func DefaultProfiles() map[ChannelType]Profile {
	return map[ChannelType]Profile{
		ChannelTP10: {
			RepeatTimer: 96 * time.Millisecond, TxTimer: 16 * time.Millisecond,
			GroupReceiveTimer: 576 * time.Millisecond, NonGroupReceiveTimer: 288 * time.Millisecond,
			SubnetBase: 1, TicksPerSlot: 2, SpreadingInterval: 4,
		},
		ChannelTPFT10: {
			RepeatTimer: 96 * time.Millisecond, TxTimer: 16 * time.Millisecond,
			GroupReceiveTimer: 576 * time.Millisecond, NonGroupReceiveTimer: 288 * time.Millisecond,
			SubnetBase: 1, TicksPerSlot: 2, SpreadingInterval: 4,
		},
		ChannelPL20A: {
			RepeatTimer: 625 * time.Millisecond, TxTimer: 96 * time.Millisecond,
			GroupReceiveTimer: 1500 * time.Millisecond, NonGroupReceiveTimer: 750 * time.Millisecond,
			SubnetBase: 65, TicksPerSlot: 4, SpreadingInterval: 8,
		},
		ChannelPL20C: {
			RepeatTimer: 625 * time.Millisecond, TxTimer: 96 * time.Millisecond,
			GroupReceiveTimer: 1500 * time.Millisecond, NonGroupReceiveTimer: 750 * time.Millisecond,
			SubnetBase: 129, TicksPerSlot: 4, SpreadingInterval: 8,
		},
		ChannelPL20N: {
			RepeatTimer: 625 * time.Millisecond, TxTimer: 96 * time.Millisecond,
			GroupReceiveTimer: 1500 * time.Millisecond, NonGroupReceiveTimer: 750 * time.Millisecond,
			SubnetBase: 193, TicksPerSlot: 4, SpreadingInterval: 8,
		},
		ChannelIP852: {
			RepeatTimer: 48 * time.Millisecond, TxTimer: 16 * time.Millisecond,
			GroupReceiveTimer: 288 * time.Millisecond, NonGroupReceiveTimer: 144 * time.Millisecond,
			SubnetBase: 1, TicksPerSlot: 1, SpreadingInterval: 2,
		},
		ChannelIzoTIP: {
			RepeatTimer: 48 * time.Millisecond, TxTimer: 16 * time.Millisecond,
			GroupReceiveTimer: 288 * time.Millisecond, NonGroupReceiveTimer: 144 * time.Millisecond,
			SubnetBase: 1, TicksPerSlot: 1, SpreadingInterval: 2,
		},
	}
}

// SelectProfile looks up the Profile for a channel type, validating and
// filling in defaults. Selecting a new profile is documented by spec.md
// §4.2 as also updating every group address-table entry and the node's
// configuration data; that programming step belongs to the link-layer
// collaborator (AddressProgrammer, see callbacks.go). SelectProfile only
// returns the profile; it does not reprogram any table.
func SelectProfile(ct ChannelType) (Profile, error) {
	p, ok := DefaultProfiles()[ct]
	if !ok {
		return Profile{}, wrap(ErrInvalidParameter, "unknown channel type")
	}
	if err := p.Valid(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
