package isi

import (
	"github.com/pkg/errors"

	"github.com/rob-gra/go-isi/isi/message"
)

// CtrlReply enumerates the controlled-enrollment CTRP reply codes
// (spec.md §4.7; the full enumeration is recovered from
// original_source/CtrlEnrollment.c — see SPEC_FULL.md §5.1).
type CtrlReply uint8

const (
	CtrlReplySuccess CtrlReply = iota
	CtrlReplyNoConnectionSpace
	CtrlReplyNotInEnrollment
	CtrlReplyBadAssembly
	CtrlReplyFailure
)

// minDupState is Pending while mid-enrollment, InUse otherwise (spec.md
// §4.7's deduplication rule).
func (e *Engine) minDupState() ConnState {
	if e.State&enrollmentStates != 0 {
		return StatePending
	}
	return StateInUse
}

// OpenEnrollment implements the host's IsiOpenEnrollment: allocate a CID,
// pick a random selector range, ask the application to fill the CSMO,
// reserve connection-table space, and broadcast CSMO three times
// (spec.md §4.7, grounded on original_source OpenE.c/RSNDCSMO.c).
func (e *Engine) OpenEnrollment(assembly uint8) error {
	if !e.Running {
		return wrap(ErrEngineNotRunning, "OpenEnrollment")
	}
	if e.State&^guestStates != 0 {
		return wrap(ErrNoConnectionSpace, "engine busy with another enrollment")
	}
	return e.becomeHost(assembly, false, nil)
}

// becomeHost is the core of OpenEnrollment. memberAssembly, when non-nil,
// is stored as the reserved records' member assembly.
func (e *Engine) becomeHost(assembly uint8, auto bool, memberAssembly *uint8) error {
	cid, ok := e.ConnTab.CreateCid(e.UniqueID)
	if !ok {
		return wrap(ErrNoConnectionSpace, "no CID serial available")
	}
	selectorBase := AddSelector(0, e.rnd.Bounded(SelectorMax+1, 0))
	nvType, group, width, flags := e.Assy.CreateCsmo(assembly)

	member := uint8(NoAssembly)
	if memberAssembly != nil {
		member = *memberAssembly
	}

	first, ok := e.ConnTab.ApproveCsmo(cidToLib(cid), selectorBase, int(width), auto, assembly, member)
	if !ok {
		return wrap(ErrNoConnectionSpace, "connection table full")
	}
	e.PendingConnection = first

	if memberAssembly == nil && width > 0 && e.hasOutputNv(assembly) && !auto {
		// Turnaround case: guest-state bits already set are kept
		// alongside Inviting. No internal CSMO is synthesized, so other
		// local assemblies do not join as members through this path.
		guestBits := e.State & guestStates
		e.State = StateInviting | guestBits
	} else {
		e.State = StateInviting
	}
	e.ShortTimer = tCsmo
	e.Timeout = tEnroll

	msg := message.Csmo{Cid: cidToMsg(cid), Selector: selectorBase, Group: group, NvType: nvType, Width: width, Flags: flags}
	code := message.CodeCsmo
	if auto {
		code = message.CodeCsma
	}
	return e.Sender.SendBroadcast(code, message.MarshalCsmo(msg), 3)
}

// hasOutputNv reports whether assembly has at least one output NV —
// NV directionality is the host application's domain (spec.md §1); we
// ask GetNvIndex whether the assembly has an NV at all, and take the
// direction from the FlagDirOutput bit CreateCsmo reports.
func (e *Engine) hasOutputNv(assembly uint8) bool {
	if _, ok := e.Assy.GetNvIndex(assembly, 0, NoNv); !ok {
		return false
	}
	_, _, _, flags := e.Assy.CreateCsmo(assembly)
	return flags&message.FlagDirOutput != 0
}

// CreateEnrollment implements the host's second press (IsiCreateEnrollment):
// emit CSMC three times, bind the connection locally, then immediately
// emit one CSMI to claim the selector (spec.md §4.7, grounded on
// original_source CreateE.c/MakeE.c).
func (e *Engine) CreateEnrollment(assembly uint8) error {
	if !e.Running {
		return wrap(ErrEngineNotRunning, "CreateEnrollment")
	}
	return e.makeEnrollment(false, assembly)
}

func (e *Engine) makeEnrollment(auto bool, assembly uint8) error {
	if e.PendingConnection == NoIndex {
		return wrap(ErrNotFound, "no pending enrollment")
	}
	r := e.ConnTab.Get(e.PendingConnection)
	cid := r.Cid

	if err := e.Sender.SendBroadcast(message.CodeCsmc, message.MarshalCidOnly(message.CidOnly{Cid: cidToMsg(cid)}), 3); err != nil {
		return err
	}

	for _, idx := range e.ConnTab.RecordsForCid(cid) {
		rec := e.ConnTab.Get(idx)
		rec.State = StateInUse
		e.ConnTab.Set(idx, rec)
		if err := Implement(rec, e.Sender.AddressProgrammer, e.Assy); err != nil {
			e.Log.Error("implement failed: %v", err)
		}
		e.sendCsmi(rec)
	}
	e.State = StateNormal
	e.PendingConnection = NoIndex
	e.Timeout = 0
	e.ShortTimer = 0
	e.persistConnectionTable()
	return nil
}

// OnCsmo handles an incoming CSMO/CSMA/CSMR from the network (spec.md
// §4.7's member side, grounded on original_source RCVCSMO.c).
func (e *Engine) OnCsmo(csmo message.Csmo, auto bool) {
	cid := msgToCid(csmo.Cid)
	if idx, ok := e.ConnTab.FindByCid(cid); ok {
		if e.ConnTab.Get(idx).State >= e.minDupState() {
			return // duplicate
		}
	}

	if e.State&enrollmentStates != 0 {
		e.CancelEnrollment()
	}

	first, ok := e.ConnTab.ApproveCsmo(cid, csmo.Selector, int(csmo.Width), auto, NoAssembly, NoAssembly)
	if !ok {
		return
	}

	prev := uint8(NoAssembly)
	any := false
	for {
		assembly, ok := e.Assy.GetAssembly(csmo, auto, prev)
		if !ok {
			break
		}
		any = true
		prev = assembly

		for _, idx := range e.ConnTab.RecordsForCid(cid) {
			rec := e.ConnTab.Get(idx)
			rec.MemberAssembly = assembly
			rec.State = StatePending
			e.ConnTab.Set(idx, rec)
		}

		if auto {
			e.acceptEnrollmentLocked(assembly, false, first)
			e.finishMemberBinding(cid)
		} else {
			e.State = StateInvited
			e.PendingConnection = first
			e.Assy.UpdateUserInterface(EventPending, assembly)
		}
	}
	if !any {
		for _, idx := range e.ConnTab.RecordsForCid(cid) {
			e.ConnTab.Set(idx, Record{HostAssembly: NoAssembly, MemberAssembly: NoAssembly})
		}
	}
}

// AcceptEnrollment implements the member's IsiAcceptEnrollment: set the
// pending records' assembly and extend fields, emit CSME (retriggered
// every T_CSME), advance to Accepted (spec.md §4.7, grounded on
// original_source AcceptE.c).
func (e *Engine) AcceptEnrollment(assembly uint8, extend bool) error {
	if !e.Running {
		return wrap(ErrEngineNotRunning, "AcceptEnrollment")
	}
	if e.PendingConnection == NoIndex {
		return wrap(ErrNotFound, "no pending enrollment")
	}
	e.acceptEnrollmentLocked(assembly, extend, e.PendingConnection)
	return nil
}

func (e *Engine) acceptEnrollmentLocked(assembly uint8, extend bool, first int) {
	cid := e.ConnTab.Get(first).Cid
	for _, idx := range e.ConnTab.RecordsForCid(cid) {
		rec := e.ConnTab.Get(idx)
		rec.MemberAssembly = assembly
		rec.Extend = extend
		e.ConnTab.Set(idx, rec)
	}
	e.State = StateAccepted
	e.ShortTimer = tCsme
	_ = e.Sender.SendBroadcast(message.CodeCsme, message.MarshalCidOnly(message.CidOnly{Cid: cidToMsg(cid)}), 3)
}

// OnCsme handles an incoming CSME: flips the first reserved record's
// CsmeSeen and transitions the host to PlannedParty (spec.md §4.7).
func (e *Engine) OnCsme(cid message.Cid) {
	c := msgToCid(cid)
	idx, ok := e.ConnTab.FindByCid(c)
	if !ok || e.PendingConnection != idx {
		return
	}
	rec := e.ConnTab.Get(idx)
	rec.CsmeSeen = true
	e.ConnTab.Set(idx, rec)
	e.State = StatePlannedParty
	e.Assy.UpdateUserInterface(EventApprovedHost, rec.HostAssembly)
}

// OnCsmc handles an incoming CSMC: binds locally via the binder using
// the recorded Extend flag, transitions to Normal (spec.md §4.7).
func (e *Engine) OnCsmc(cid message.Cid) {
	e.finishMemberBinding(msgToCid(cid))
}

func (e *Engine) finishMemberBinding(cid Cid) {
	idx, ok := e.ConnTab.FindByCid(cid)
	if !ok {
		return
	}
	if e.ConnTab.Get(idx).State >= StateInUse {
		return // mismatching CSMC for an already-bound record: ignored
	}
	for _, i := range e.ConnTab.RecordsForCid(cid) {
		rec := e.ConnTab.Get(i)
		rec.State = StateInUse
		e.ConnTab.Set(i, rec)
		if err := Implement(rec, e.Sender.AddressProgrammer, e.Assy); err != nil {
			e.Log.Error("implement failed: %v", err)
		}
	}
	if e.State&guestStates != 0 {
		e.State &^= guestStates
	}
	if e.PendingConnection == idx {
		e.State = StateNormal
		e.PendingConnection = NoIndex
	}
	e.persistConnectionTable()
}

// OnCsmx handles an incoming CSMX: drops Pending records for cid, fires
// isiCancelled (spec.md §4.7, grounded on original_source RcvCsmx.c).
func (e *Engine) OnCsmx(cid message.Cid) {
	c := msgToCid(cid)
	for _, idx := range e.ConnTab.RecordsForCid(c) {
		rec := e.ConnTab.Get(idx)
		if rec.State == StatePending {
			assembly := rec.MemberAssembly
			if assembly == NoAssembly {
				assembly = rec.HostAssembly
			}
			e.ConnTab.Set(idx, Record{HostAssembly: NoAssembly, MemberAssembly: NoAssembly})
			e.Assy.UpdateUserInterface(EventCancelled, assembly)
		}
	}
	if idx, ok := e.ConnTab.FindByCid(c); !ok || idx == e.PendingConnection {
		e.State &^= enrollmentStates
		e.PendingConnection = NoIndex
	}
}

// OnCsmi handles an incoming CSMI: the selector-collision reconciliation
// algorithm (spec.md §4.7 "Selector-conflict resolution", grounded on
// original_source RcvCsmi.c).
func (e *Engine) OnCsmi(csmi message.Csmi) {
	incomingCid := msgToCid(csmi.Cid)

	e.ConnTab.Iter(0, func(i int, rec Record) bool {
		if rec.State < StateInUse {
			return true
		}
		sameCidOffset := rec.Cid == incomingCid && rec.Offset == csmi.Offset
		if !sameCidOffset {
			if InSelectorRange(rec.SelectorBase, int(rec.Width)-1, AddSelector(csmi.Selector, int(csmi.Count))) ||
				InSelectorRange(rec.SelectorBase, int(rec.Width)-1, csmi.Selector) {
				e.resolveSelectorCollision(i, rec)
				return false
			}
			return true
		}
		if rec.SelectorBase != csmi.Selector {
			ReplaceSelectors(rec.HostAssembly, rec.SelectorBase, csmi.Selector, int(csmi.Count), e.Sender.AddressProgrammer, e.Assy)
			ReplaceSelectors(rec.MemberAssembly, rec.SelectorBase, csmi.Selector, int(csmi.Count), e.Sender.AddressProgrammer, e.Assy)
			rec.SelectorBase = csmi.Selector
			e.ConnTab.Set(i, rec)
		}
		return true
	})
}

// resolveSelectorCollision moves rec to a new selector computed as
// current + width + Σ(cid bytes) mod 0x3000, reprograms locally, emits a
// CSMI if hosted locally, then recursively re-applies the move, guarded
// by a temporary Pending marker so self is never mistaken for a
// duplicate (spec.md §4.7, original_source RcvCsmi.c).
func (e *Engine) resolveSelectorCollision(index int, rec Record) {
	replacement := AddSelector(rec.SelectorBase, int(rec.Width))
	for _, b := range rec.Cid {
		replacement = AddSelector(replacement, int(b))
	}

	ReplaceSelectors(rec.HostAssembly, rec.SelectorBase, replacement, int(rec.Width)-1, e.Sender.AddressProgrammer, e.Assy)
	ReplaceSelectors(rec.MemberAssembly, rec.SelectorBase, replacement, int(rec.Width)-1, e.Sender.AddressProgrammer, e.Assy)

	rec.SelectorBase = replacement
	rec.State = StatePending
	e.ConnTab.Set(index, rec)

	lastPending := e.PendingConnection
	e.PendingConnection = index

	if rec.IsHost() {
		e.sendCsmi(rec)
	}

	e.OnCsmi(message.Csmi{
		Cid:      cidToMsg(rec.Cid),
		Selector: rec.SelectorBase,
		Offset:   rec.Offset,
		Count:    rec.Width - 1,
	})

	e.PendingConnection = lastPending
	rec.State = StateInUse
	e.ConnTab.Set(index, rec)

	if rec.IsHost() {
		e.Assy.UpdateDiagnostics(DiagSelectorDuplicate, rec.HostAssembly)
	}
	if rec.IsMember() {
		e.Assy.UpdateDiagnostics(DiagSelectorDuplicate, rec.MemberAssembly)
	}
}

// CancelEnrollment is idempotent: the host emits CSMX, all participating
// sides wipe Pending records and clear connection-state bits of `State`
// without disturbing acquisition-state bits (spec.md §5).
func (e *Engine) CancelEnrollment() {
	if e.PendingConnection != NoIndex {
		rec := e.ConnTab.Get(e.PendingConnection)
		_ = e.Sender.SendBroadcast(message.CodeCsmx, message.MarshalCidOnly(message.CidOnly{Cid: cidToMsg(rec.Cid)}), 3)
		for _, idx := range e.ConnTab.RecordsForCid(rec.Cid) {
			r := e.ConnTab.Get(idx)
			if r.State == StatePending {
				e.ConnTab.Set(idx, Record{HostAssembly: NoAssembly, MemberAssembly: NoAssembly})
			}
		}
	}
	e.State &^= enrollmentStates
	e.PendingConnection = NoIndex
	e.Timeout = 0
	e.ShortTimer = 0
}

// CancelAcquisition forces the acquisition-state bits to Normal and
// fires isiNormal (spec.md §5).
func (e *Engine) CancelAcquisition() {
	e.State &^= acquisitionStates
	e.Assy.UpdateUserInterface(EventNormal, NoAssembly)
}

// enrollmentTimeoutExpired handles the overall T_ENROLL expiry: CSMX +
// cancel (spec.md §4.7).
func (e *Engine) enrollmentTimeoutExpired() {
	if e.State&enrollmentStates != 0 && e.PendingConnection != NoIndex {
		e.CancelEnrollment()
	}
}

// enrollmentShortTimerExpired re-emits CSMO every T_CSMO (host) or CSME
// every T_CSME (member accepted), per spec.md §4.7.
func (e *Engine) enrollmentShortTimerExpired() {
	if e.PendingConnection == NoIndex {
		return
	}
	rec := e.ConnTab.Get(e.PendingConnection)
	switch {
	case e.State&StateInviting != 0:
		nvType, group, width, flags := e.Assy.CreateCsmo(rec.HostAssembly)
		msg := message.Csmo{Cid: cidToMsg(rec.Cid), Selector: rec.SelectorBase, Group: group, NvType: nvType, Width: width, Flags: flags}
		_ = e.Sender.SendBroadcast(message.CodeCsmo, message.MarshalCsmo(msg), 3)
		e.ShortTimer = tCsmo
	case e.State&StateAccepted != 0:
		_ = e.Sender.SendBroadcast(message.CodeCsme, message.MarshalCidOnly(message.CidOnly{Cid: cidToMsg(rec.Cid)}), 3)
		e.ShortTimer = tCsme
	}
}

// sendCsmi emits a CSMI claiming rec's current selector.
func (e *Engine) sendCsmi(rec Record) {
	m := message.Csmi{Cid: cidToMsg(rec.Cid), Selector: rec.SelectorBase, Offset: rec.Offset, Count: rec.Width - 1}
	_ = e.Sender.SendBroadcast(message.CodeCsmi, message.MarshalCsmi(m), 3)
}

// sendCsmx emits a CSMO-shaped reminder/automatic message (CSMA/CSMR)
// for an existing record — used by the broadcast scheduler's CSMR slot.
func (e *Engine) sendCsmx(code message.Code, rec Record) {
	nvType, group, width, flags := e.Assy.CreateCsmo(rec.HostAssembly)
	msg := message.Csmo{Cid: cidToMsg(rec.Cid), Selector: rec.SelectorBase, Group: group, NvType: nvType, Width: width, Flags: flags}
	_ = e.Sender.SendBroadcast(code, message.MarshalCsmo(msg), 3)
}

// --- controlled enrollment side channel (spec.md §4.7, supplemented
// per SPEC_FULL.md §5.1) ---

// CtrlRequestKind enumerates the CTRQ request kinds.
type CtrlRequestKind uint8

const (
	CtrlOpen CtrlRequestKind = iota
	CtrlCancel
	CtrlCreate
	CtrlFactory
)

// HandleCtrlRequest dispatches a unicast CTRQ exactly as the equivalent
// local button press would, returning the CTRP reply code (spec.md
// §4.7, grounded on original_source CtrlEnrollment.c).
func (e *Engine) HandleCtrlRequest(kind CtrlRequestKind, assembly uint8) CtrlReply {
	if e.Flags&FlagControlledEnrollment == 0 {
		return CtrlReplyFailure
	}
	switch kind {
	case CtrlOpen:
		if err := e.OpenEnrollment(assembly); err != nil {
			if errors.Is(err, ErrNoConnectionSpace) {
				return CtrlReplyNoConnectionSpace
			}
			return CtrlReplyFailure
		}
		return CtrlReplySuccess
	case CtrlCancel:
		e.CancelEnrollment()
		return CtrlReplySuccess
	case CtrlCreate:
		if err := e.CreateEnrollment(assembly); err != nil {
			if errors.Is(err, ErrNotFound) {
				return CtrlReplyNotInEnrollment
			}
			return CtrlReplyFailure
		}
		return CtrlReplySuccess
	case CtrlFactory:
		e.ReturnToFactoryDefaults()
		return CtrlReplySuccess
	default:
		return CtrlReplyFailure
	}
}

// --- Cid conversions between the connection-table's isi.Cid and the
// wire codec's message.Cid; kept as tiny free functions rather than
// methods to keep the message package free of an isi import (it must
// stay importable standalone as the wire format reference). ---

func cidToMsg(c Cid) message.Cid { return message.Cid(c) }
func msgToCid(c message.Cid) Cid { return Cid(c) }
func cidToLib(c Cid) Cid         { return c }
