package isi

import "github.com/rob-gra/go-isi/isi/message"

// acquisitionRole distinguishes which side of the DA/DAS handshake the
// engine is currently playing (spec.md §4.8).
type acquisitionRole uint8

const (
	roleNone acquisitionRole = iota
	roleAcquireDomain
	roleAcquireDevice
	roleFetchDomain
	roleFetchDevice
)

// acquisitionState is the DA/DAS-specific bookkeeping Engine.Tick and the
// Didrq/Didrm/Didcf handlers share, grounded on original_source
// TickDa.c/TICKDAS.c/RcvDidRq.c/RcvDidRm.c/RcvDidCf.c.
type acquisitionState struct {
	role           acquisitionRole
	target         [6]byte // the device being queried (DA role)
	retries        int
	decayCountdown int
}

// cachedDidrm is the DIDRM a DA device is holding while it waits for the
// operator to confirm acquisition and for the matching DIDCF (spec.md
// §4.8).
type cachedDidrm struct {
	msg  message.Didrm
	from [6]byte
}

// newLiveTable allocates an empty device-count estimator table.
func newLiveTable() *liveTable { return &liveTable{} }

// liveTable is the DAS device-count estimator: one credit byte per nuid
// (spec.md §4.8), grounded on original_source TICKDAS.c. A DIDRQ credits
// the requester's entry; tickDas debits every entry once per decay
// period so devices that stop asking eventually drop out of the count.
type liveTable struct {
	credit [liveTableSize]byte
}

func (t *liveTable) creditNuid(nuid byte) {
	c := int(t.credit[nuid]) + standardCredit
	if c > maxCredit {
		c = maxCredit
	}
	t.credit[nuid] = byte(c)
}

func (t *liveTable) decay() {
	for i, c := range t.credit {
		if c > standardDebit {
			t.credit[i] = c - standardDebit
		} else {
			t.credit[i] = 0
		}
	}
}

// estimate applies the progressive fudge factor count + count²/256
// (spec.md §4.8) on top of the raw live-cell count, then clamps to
// [minEstimate, maxEstimate].
func (t *liveTable) estimate() int {
	count := 0
	for _, c := range t.credit {
		if c > 0 {
			count++
		}
	}
	adjusted := count + count*count/256
	if adjusted < minEstimate {
		adjusted = minEstimate
	}
	if adjusted > maxEstimate {
		adjusted = maxEstimate
	}
	return adjusted
}

// EnableDas turns this engine into a domain address server, allocating
// its live table. Safe to call again (idempotent).
func (e *Engine) EnableDas() {
	if e.live == nil {
		e.live = newLiveTable()
	}
}

// DisableDas reverts a DAS-capable engine to a plain device.
func (e *Engine) DisableDas() { e.live = nil }

// DeviceCountEstimate returns the current device-count estimate: the live
// table's estimate when this engine is a DAS, else the persisted value
// (taken from a DIDCF or set by OverrideDeviceCountEstimate) or the
// default (spec.md §4.8). The broadcast scheduler sizes its slots from
// the persisted value or the default, not from the live table.
func (e *Engine) DeviceCountEstimate() int {
	if e.live != nil {
		return e.live.estimate()
	}
	return e.deviceCountOrDefault()
}

// OverrideDeviceCountEstimate lets an operator force the persisted
// estimate (e.g. from commissioning-tool knowledge), clamped to
// [minEstimate, maxEstimate].
func (e *Engine) OverrideDeviceCountEstimate(n int) {
	if n < minEstimate {
		n = minEstimate
	}
	if n > maxEstimate {
		n = maxEstimate
	}
	e.Persist.DeviceCountEstimate = n
}

// AcquireDomain implements the DA device's IsiAcquireDomain: ask a DAS
// for an unused domain/subnet/node triple (spec.md §4.8, grounded on
// original_source AcqDomn.c/TickDa.c). targetUniqueID is recorded as the
// acquisition target; the DIDRQ itself is a secondary-domain broadcast
// carrying this device's own unique id, and any DAS that hears it answers.
func (e *Engine) AcquireDomain(targetUniqueID [6]byte) error {
	return e.startAcquire(roleAcquireDomain, targetUniqueID)
}

// AcquireDevice implements the DA device's IsiAcquireDevice: ask for a
// single node assignment within the currently-held domain.
func (e *Engine) AcquireDevice(targetUniqueID [6]byte) error {
	return e.startAcquire(roleAcquireDevice, targetUniqueID)
}

func (e *Engine) startAcquire(role acquisitionRole, targetUniqueID [6]byte) error {
	if !e.Running {
		return wrap(ErrEngineNotRunning, "acquire")
	}
	if e.State&acquisitionStates != 0 {
		return wrap(ErrBusy, "acquisition already in progress")
	}
	e.acq = acquisitionState{role: role, target: targetUniqueID}
	e.State |= StateAwaitDidrx
	e.Timeout = tRm
	return e.sendDidrq()
}

// FetchDomain arms a service-pin sniffing window: the next service-pin
// message observed on the secondary channel becomes the DA acquisition
// target (spec.md §4.8's fetch variant, grounded on original_source
// FetchDom.c).
func (e *Engine) FetchDomain() error { return e.startFetch(roleFetchDomain) }

// FetchDevice is FetchDomain's single-node counterpart.
func (e *Engine) FetchDevice() error { return e.startFetch(roleFetchDevice) }

func (e *Engine) startFetch(role acquisitionRole) error {
	if !e.Running {
		return wrap(ErrEngineNotRunning, "fetch")
	}
	if e.State&acquisitionStates != 0 {
		return wrap(ErrBusy, "acquisition already in progress")
	}
	e.acq = acquisitionState{role: role}
	e.State |= StateAwaitQdr
	e.Timeout = tAcq
	return nil
}

// OnServicePinObserved is called by the link layer whenever a service
// pin message (from any device, not just ISI ones) is seen, letting a
// fetch window capture the acquisition target (spec.md §4.8).
func (e *Engine) OnServicePinObserved(uniqueID [6]byte) {
	if e.State&StateAwaitQdr == 0 {
		return
	}
	e.State &^= StateAwaitQdr
	switch e.acq.role {
	case roleFetchDomain:
		_ = e.AcquireDomain(uniqueID)
	case roleFetchDevice:
		_ = e.AcquireDevice(uniqueID)
	}
}

func (e *Engine) sendDidrq() error {
	e.acq.retries++
	msg := message.Didrq{UniqueID: e.UniqueID, Nuid: e.Persist.Nuid}
	return e.Sender.SendBroadcastSecondary(message.CodeDidrq, message.MarshalDidrq(msg), 1)
}

// OnDidrq handles an inbound DIDRQ: if this engine is a DAS, credit the
// requester's live-table entry and unicast a DIDRM carrying the current
// device-count estimate (spec.md §4.8, grounded on original_source
// RcvDidRq.c).
func (e *Engine) OnDidrq(req message.Didrq) {
	if e.live == nil {
		return
	}
	e.live.creditNuid(req.Nuid)

	resp := message.Didrm{
		DidLen:      e.DomainLen,
		Did:         e.Domain,
		Subnet:      e.rnd.AllocSubnet(e.Transport.SubnetBase),
		Node:        e.rnd.AllocNode(),
		ChannelType: byte(e.ChannelType),
		DeviceCount: byte(e.live.estimate()),
		DasUniqueID: e.UniqueID,
	}
	_ = e.Sender.SendUnicast(message.CodeDidrm, message.MarshalDidrm(resp), req.UniqueID, 1)
}

// OnDrum credits a DAS's live table from an overheard DRUM/DRUMEX
// heartbeat — the primary feed for the device-count estimate (spec.md
// §4.8, §8 scenario 4; grounded on original_source RcvDrumS.c). DIDRQ
// credits the same table as a secondary signal, since a device that
// only ever asks for acquisition but never announces should still
// count.
func (e *Engine) OnDrum(m message.Drum) {
	if e.live == nil {
		return
	}
	e.live.creditNuid(m.Nuid)
}

// OnDidrm handles the DA's inbound DIDRM: cache it, move to
// AwaitConfirm, and invite the operator to confirm (spec.md §4.8,
// grounded on original_source RcvDidRm.c).
func (e *Engine) OnDidrm(msg message.Didrm, from [6]byte) {
	if e.State&StateAwaitDidrx == 0 {
		return
	}
	if e.cachedDidrm != nil && !sameDidrm(e.cachedDidrm.msg, msg) {
		e.abortAcquisition(AbortMismatchingDidrm)
		return
	}
	e.cachedDidrm = &cachedDidrm{msg: msg, from: from}
	e.State = (e.State &^ StateAwaitDidrx) | StateAwaitConfirm
	e.Timeout = tCf
	e.Assy.UpdateUserInterface(EventWink, NoAssembly)
}

// ConfirmAcquisition is the operator's go-ahead (pressing the service
// pin on the DAS, surfaced by the host UI) that the cached DIDRM should
// be accepted; it asks the DAS to confirm via DIDCF (spec.md §4.8).
func (e *Engine) ConfirmAcquisition() error {
	if e.State&StateAwaitConfirm == 0 || e.cachedDidrm == nil {
		return wrap(ErrNotFound, "no acquisition awaiting confirmation")
	}
	return e.Sender.SendUnicast(message.CodeDidcf, message.MarshalDidrm(e.cachedDidrm.msg), e.cachedDidrm.from, 1)
}

// OnDidcf handles the DA's inbound DIDCF: on a match with the cached
// DIDRM, program the new domain/subnet/node and fire isiRegistered; on
// mismatch, abort (spec.md §4.8, grounded on original_source
// RcvDidCf.c).
func (e *Engine) OnDidcf(msg message.Didrm) {
	if e.State&StateAwaitConfirm == 0 {
		return
	}
	if e.cachedDidrm == nil || !sameDidrm(e.cachedDidrm.msg, msg) {
		e.abortAcquisition(AbortMismatchingDidcf)
		return
	}
	err := e.Sender.AddressProgrammer.ProgramDomain(msg.Did, msg.DidLen, msg.Subnet, msg.Node)
	e.cachedDidrm = nil
	e.State &^= acquisitionStates
	if err != nil {
		e.Log.Error("program domain failed: %v", err)
		e.abortAcquisition(AbortUnsuccessfulAcquisition)
		return
	}
	e.Domain = msg.Did
	e.DomainLen = msg.DidLen
	e.Subnet = msg.Subnet
	e.Node = msg.Node
	e.Persist.DeviceCountEstimate = int(msg.DeviceCount)
	e.persistPersistentState()
	e.Assy.UpdateUserInterface(EventRegistered, NoAssembly)
}

func sameDidrm(a, b message.Didrm) bool {
	return a.Did == b.Did && a.Subnet == b.Subnet && a.Node == b.Node && a.DasUniqueID == b.DasUniqueID
}

func (e *Engine) abortAcquisition(reason AbortReason) {
	e.State &^= acquisitionStates
	e.cachedDidrm = nil
	e.acq = acquisitionState{}
	e.Assy.UpdateUserInterface(EventAborted, NoAssembly)
	e.Assy.ReportAbort(reason)
}

// acquisitionTimeoutExpired dispatches T_RM/T_CF/T_ACQ expiry across the
// DA/DAS acquisition state bits (spec.md §4.8).
func (e *Engine) acquisitionTimeoutExpired() {
	switch {
	case e.State&StateAwaitDidrx != 0:
		if e.acq.retries < didrqRetries {
			e.Timeout = didrqPause
			_ = e.sendDidrq()
		} else {
			e.abortAcquisition(AbortUnsuccessfulAcquisition)
		}
	case e.State&StateAwaitConfirm != 0:
		e.abortAcquisition(AbortMismatchingDidcf)
	case e.State&StateCollect != 0:
		e.State &^= StateCollect
	case e.State&StateAwaitQdr != 0:
		e.abortAcquisition(AbortUnsuccessfulAcquisition)
	}
}

// tickDas drives the live table's decay clock; called every tick when
// this engine supports DAS (spec.md §4.8).
func (e *Engine) tickDas() {
	if e.acq.decayCountdown > 0 {
		e.acq.decayCountdown--
		return
	}
	e.acq.decayCountdown = tColl
	e.live.decay()
}

// tickTcsmr drives the TcsmrScheduled connection-record state: after an
// acquisition completes, connections formed under the old domain must
// re-announce themselves once the new domain is live (spec.md §4.8,
// §4.6).
func (e *Engine) tickTcsmr() {
	if e.Tcsmr == 0 {
		return
	}
	e.Tcsmr--
	if e.Tcsmr != 0 {
		return
	}
	e.ConnTab.Iter(0, func(i int, r Record) bool {
		if r.State == StateTcsmrScheduled {
			r.State = StateInUse
			e.ConnTab.Set(i, r)
		}
		return true
	})
}
