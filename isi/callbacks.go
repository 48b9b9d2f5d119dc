package isi

import "github.com/rob-gra/go-isi/isi/message"

// UIEvent enumerates the IsiUpdateUserInterface events the engine fires
// (spec.md §6, §8).
type UIEvent uint8

const (
	EventPending UIEvent = iota
	EventApprovedHost
	EventImplemented
	EventCancelled
	EventAborted
	EventNormal
	EventWink
	EventRegistered
	EventRetry
)

// AbortReason enumerates spec.md §7's abort reason codes, surfaced with
// EventAborted.
type AbortReason uint8

const (
	AbortNone AbortReason = iota
	AbortUnsuccessfulAcquisition
	AbortMismatchingDidrm
	AbortMismatchingDidcf
	AbortMismatchService
)

// DiagnosticsEvent enumerates the conditional-diagnostics events
// original_source/CondDiag.c dispatches.
type DiagnosticsEvent uint8

const (
	DiagSelectorDuplicate DiagnosticsEvent = iota
	DiagSelectorUpdate
	DiagConnectionRemoved
)

// FrameSender is the link-layer collaborator the engine uses to emit ISI
// frames; it is explicitly out of scope per spec.md §1 ("the underlying
// LonTalk/link stack"). Implementations deliver a fully formed,
// service-tagged ISI payload for transmission with the given repeat
// count.
type FrameSender interface {
	// SendBroadcast transmits code+payload as an unacknowledged-repeated
	// broadcast on the primary domain, repeated `repeats` times.
	SendBroadcast(code message.Code, payload []byte, repeats int) error
	// SendBroadcastSecondary is as SendBroadcast but on the secondary
	// domain (used by DA/DAS acquisition traffic, spec.md §4.8).
	SendBroadcastSecondary(code message.Code, payload []byte, repeats int) error
	// SendUnicast transmits code+payload unicast, addressed by the
	// 6-byte unique id, repeated `repeats` times (DIDRM/DIDCF and
	// controlled-enrollment replies).
	SendUnicast(code message.Code, payload []byte, uniqueID [6]byte, repeats int) error
	// SendServicePin emits a service-pin message, optionally shared with
	// the node's registration button (spec.md §4.8).
	SendServicePin() error
}

// NvRef identifies one NV governed by a connection record: the local NV
// index within an assembly.
type NvRef struct {
	Assembly uint8
	NvIndex  int
}

// AddressProgrammer is the stack collaborator that owns NV/alias/address
// table persistence (spec.md §1: "Persistent storage of NV/alias/address
// tables (stack's responsibility)"). The binder (component 4) calls this
// to reconcile tables with a connection record.
type AddressProgrammer interface {
	// ProgramPrimary points an NV directly at address+selector.
	ProgramPrimary(nv NvRef, group byte, selector uint16, timers Profile) error
	// AllocAlias reserves a free alias-table row, links it to a primary
	// NV, and programs its address+selector. Returns false if no alias
	// row is free.
	AllocAlias(primary NvRef, group byte, selector uint16, timers Profile) (aliasIndex int, ok bool)
	// FreeAlias releases a previously allocated alias row.
	FreeAlias(aliasIndex int)
	// AliasesBoundTo returns every alias row currently bound to primary.
	AliasesBoundTo(primary NvRef) []int
	// SweepUnreferenced frees any address-table entry with no NV or
	// alias still referring to it (spec.md §4.4 step 4).
	SweepUnreferenced()
	// SelectorOf returns the selector currently programmed for nv. The
	// binder (component 4) decides unbound-ness itself from the high
	// byte (spec.md §4.4).
	SelectorOf(nv NvRef) (selector uint16)
	// AllocGroupEntry joins an existing group address-table entry, or
	// allocates a free one. ok is false only when none is free
	// (NO_CONNECTION_SPACE, spec.md §4.4 step 1).
	AllocGroupEntry(group byte) (entry int, ok bool)
	// ProgramDomain installs a newly acquired domain/subnet/node triple
	// into the node's configuration, ending a successful DA acquisition
	// (spec.md §4.8).
	ProgramDomain(domain [6]byte, domainLen byte, subnet, node byte) error
}

// AssemblyCallbacks are the host application's assembly-introspection
// callbacks (spec.md §6).
type AssemblyCallbacks interface {
	// CreateCsmo fills in nv_type/group/direction/width for a new
	// invitation from assembly.
	CreateCsmo(assembly uint8) (nvType, group, width byte, flags byte)
	// GetAssembly maps an incoming invitation to a local assembly, or
	// returns ok=false for NONE. Called iteratively with the previously
	// returned assembly to enumerate every match.
	GetAssembly(csmo message.Csmo, auto bool, prevAssembly uint8) (assembly uint8, ok bool)
	// GetNvIndex enumerates NVs within assembly at the given offset;
	// called iteratively with the previously returned index.
	GetNvIndex(assembly uint8, offset int, prevNv int) (nvIndex int, ok bool)
	// GetWidth returns the selector width an assembly occupies.
	GetWidth(assembly uint8) int
	// GetPrimaryGroup returns the group address an assembly listens on.
	GetPrimaryGroup(assembly uint8) byte
	// QueryHeartbeat gates whether nv's bound value should be
	// re-broadcast as a heartbeat.
	QueryHeartbeat(nv NvRef) bool
	// CreatePeriodicMsg gates whether the broadcast scheduler's
	// application-periodic slot should be used this round.
	CreatePeriodicMsg() bool
	// UpdateUserInterface reports a UI transition for assembly.
	UpdateUserInterface(event UIEvent, assembly uint8)
	// UpdateDiagnostics reports an optional observability event.
	UpdateDiagnostics(event DiagnosticsEvent, param uint8)
	// ReportAbort notifies the host application why an acquisition was
	// abandoned (spec.md §7).
	ReportAbort(reason AbortReason)
}

// NoNv is the prevNv value passed to GetNvIndex to start an enumeration;
// the enumerator signals the end with ok=false.
const NoNv = -1
