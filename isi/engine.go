package isi

import (
	"github.com/rob-gra/go-isi/clog"
)

// EngineState is a bitmask over the states spec.md §3 lists; several
// bits may be set at once to express turnaround (host + member
// concurrently) or acquisition-in-progress-while-idle-on-enrollment.
type EngineState uint16

const StateNormal EngineState = 0

const (
	StateInviting EngineState = 1 << iota
	StatePlannedParty
	StateInvited
	StateAccepted
	StateAwaitDidrx
	StateAwaitConfirm
	StateCollect
	StateAwaitQdr
	StatePause
)

// guestStates are the member-side bits; host-side open_enrollment keeps
// them set alongside StateInviting when it enters turnaround (spec.md §4.7).
const guestStates = StateInvited | StateAccepted

// enrollmentStates are the bits that represent "an enrollment is in
// flight", used to decide whether a new invitation must first cancel the
// current one.
const enrollmentStates = StateInviting | StatePlannedParty | StateInvited | StateAccepted

// acquisitionStates are the bits cancel_acquisition clears without
// touching connection-state bits (spec.md §5).
const acquisitionStates = StateAwaitDidrx | StateAwaitConfirm | StateCollect | StateAwaitQdr | StatePause

// Flags is the configuration bitmask spec.md §3 describes.
type Flags uint8

const (
	FlagSupplyDiagnostics Flags = 1 << iota
	FlagApplicationPeriodics
	FlagExtendedMessages
	FlagDisableAddressManagement
	FlagControlledEnrollment
)

// BootType directs initialization depth on start() (spec.md §3).
type BootType uint8

const (
	BootReboot BootType = iota
	BootReset
	BootRestart
)

// PersistentState is serialized with a versioned header and checksum,
// independent of the stack's network image (spec.md §3).
type PersistentState struct {
	DeviceCountEstimate int
	Nuid                byte
	Serial              byte
	BootType            BootType
	RepeatCount         int
}

// periodicState is the broadcast scheduler's bookkeeping (spec.md §3).
type periodicState struct {
	lastConnection int
	nextClass      slotClass
	drumPause      int
}

// Engine bundles the volatile and persistent ISI engine state into one
// value, per spec.md §9's re-implementation guidance ("bundle these into
// an IsiEngine value and pass it explicitly"). The cooperative scheduling
// model (spec.md §5) makes this zero-cost: Tick and the On* callbacks are
// the only entry points and neither may suspend.
type Engine struct {
	Running bool
	State   EngineState

	ChannelType ChannelType
	Transport   Profile

	Wait        int
	Startup     int
	Timeout     int
	ShortTimer  int
	SpecialDrum int
	Tcsmr       int

	Group     int
	Spreading int
	periodic  periodicState

	PendingConnection int // index into ConnTab, or NoIndex
	Flags             Flags

	Persist PersistentState

	ConnTab *ConnectionTable

	UniqueID [6]byte
	rnd      *Rand

	// Domain/DomainLen/Subnet/Node are this device's current
	// primary-domain identity, used to fill DRUM/DIDRM payloads with
	// real values rather than placeholders (spec.md §4.1, §4.8). A DA
	// device picks these up from ProgramDomain on a successful
	// acquisition (see OnDidcf); a DAS or a statically commissioned
	// device has them set directly via SetDomain.
	Domain    [6]byte
	DomainLen byte
	Subnet    byte
	Node      byte

	Sender AddressProgrammerSenderPair
	Assy   AssemblyCallbacks
	Store  Store

	Log clog.Clog

	// live is the DAS device-count estimator table, one credit byte per
	// nuid (spec.md §4.8). Nil unless this build supports DAS.
	live *liveTable

	// acq holds DA/DAS-specific request/response bookkeeping
	// that does not fit the generic volatile fields above.
	acq acquisitionState

	// cachedDidrm is the DIDRM this device is waiting to reconcile
	// against a DIDCF (DA role, spec.md §4.8).
	cachedDidrm *cachedDidrm
}

// AddressProgrammerSenderPair bundles the two link-layer collaborators
// (spec.md §1, §6) the engine needs: FrameSender to emit frames and
// AddressProgrammer to reconcile NV/alias/address tables.
type AddressProgrammerSenderPair struct {
	FrameSender
	AddressProgrammer
}

// NoIndex is the sentinel for "no pending connection" (ISI_NO_INDEX).
const NoIndex = -1

// NewEngine constructs an Engine with a connection table of the given
// size, ready for Start. store may be nil, in which case the engine
// starts cold (Reset semantics) every time regardless of bootType.
func NewEngine(connTableSize int, uniqueID [6]byte, sender AddressProgrammerSenderPair, assy AssemblyCallbacks, store Store) *Engine {
	e := &Engine{
		ConnTab:           NewConnectionTable(connTableSize),
		UniqueID:          uniqueID,
		rnd:               NewRand(uniqueID),
		Sender:            sender,
		Assy:              assy,
		Store:             store,
		Log:               clog.NewLogger("isi: "),
		PendingConnection: NoIndex,
	}
	e.Log.LogMode(true)
	return e
}

// Start brings the engine up. bootType directs initialization depth:
// Reboot/Reset wipe volatile state and reload persistence; Restart keeps
// the in-memory connection table and only resets volatile counters
// (spec.md §3's engine lifecycle).
func (e *Engine) Start(bootType BootType, transport ChannelType) error {
	profile, err := SelectProfile(transport)
	if err != nil {
		return err
	}
	e.ChannelType = transport
	e.Transport = profile

	if bootType != BootRestart {
		if !e.restoreConnectionTable() {
			e.ConnTab.Clear()
		}
		if !e.restorePersistentState() {
			e.Persist = PersistentState{RepeatCount: 1}
		}
	}
	e.Persist.BootType = bootType
	e.State = StateNormal
	e.Wait = e.rnd.AllocSlot(e.deviceCountOrDefault(), e.Transport.TicksPerSlot)
	e.SpecialDrum = e.computeSpecialDrum()
	e.Startup = 0
	e.Spreading = e.Transport.SpreadingInterval
	e.PendingConnection = NoIndex
	e.Running = true
	e.Log.Debug("engine started, boot=%v channel=%v", bootType, transport)
	return nil
}

// Stop halts the engine without discarding persisted state.
func (e *Engine) Stop() {
	e.Running = false
}

// ReturnToFactoryDefaults wipes the connection table, preserves the CID
// serial, zeroes volatile state, and schedules a reboot-level
// reinitialization (spec.md §3, §8).
func (e *Engine) ReturnToFactoryDefaults() {
	serial := e.Persist.Serial
	e.ConnTab.Clear()
	*e = Engine{
		ConnTab:           e.ConnTab,
		UniqueID:          e.UniqueID,
		rnd:               e.rnd,
		Sender:            e.Sender,
		Assy:              e.Assy,
		Log:               e.Log,
		PendingConnection: NoIndex,
		Persist:           PersistentState{Serial: serial, RepeatCount: 1, BootType: BootReboot},
	}
}

// deviceCountOrDefault returns the DAS device-count estimate when known,
// else a conservative default assumed device count.
const defaultDeviceCount = 64

func (e *Engine) deviceCountOrDefault() int {
	if e.Persist.DeviceCountEstimate > 0 {
		return e.Persist.DeviceCountEstimate
	}
	return defaultDeviceCount
}

// computeSpecialDrum picks the randomized early-DRUM delay a freshly
// started device uses to announce itself once before settling into the
// regular periodic cadence, clamped to the slot just allocated into
// Wait (spec.md §4.1, grounded on original_source init.c:
// rand_bounded(deviceCount/3, 5) ticks).
func (e *Engine) computeSpecialDrum() int {
	n := e.deviceCountOrDefault() / 3
	if n < 1 {
		n = 1
	}
	d := e.rnd.Bounded(n, 5)
	if d > e.Wait {
		d = e.Wait
	}
	return d
}

// SetDomain installs this device's own domain/subnet/node identity
// directly, for a DAS or any device whose address assignment is
// managed by the host stack rather than by AcquireDomain (spec.md
// §4.8).
func (e *Engine) SetDomain(domain [6]byte, domainLen, subnet, node byte) {
	e.Domain = domain
	e.DomainLen = domainLen
	e.Subnet = subnet
	e.Node = node
}

// RepeatCount returns the configured NV-update repeat count (1..3),
// bounded per original_source RptCnt.c. NV update transmission itself is
// the stack's responsibility (spec.md §1); the engine only stores and
// validates the setting.
func (e *Engine) RepeatCount() int { return e.Persist.RepeatCount }

// SetRepeatCount bounds and stores the NV-update repeat count.
func (e *Engine) SetRepeatCount(n int) {
	if n < 1 {
		n = 1
	}
	if n > 3 {
		n = 3
	}
	e.Persist.RepeatCount = n
	e.persistPersistentState()
}
