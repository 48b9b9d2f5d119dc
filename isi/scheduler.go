package isi

import "github.com/rob-gra/go-isi/isi/message"

// slotClass enumerates the outbound message class the broadcast
// scheduler cycles through (spec.md §4.6), grounded on original_source
// Period.c/Slot.c/TickDa.c/TICKDAS.c. The original's goto ladder
// collapses into this enum per spec.md §9's design note.
type slotClass uint8

const (
	slotCsmr slotClass = iota
	slotCsmi
	slotNvHb
	slotApp
	slotTimg
	slotDrum
)

// drumPauseSlots is "every 8th slot MUST be DRUM" (spec.md §4.6).
const drumPauseSlots = 8

// supportsTimg reports whether this build announces TIMG (DAS-enabled
// builds only, spec.md §4.6).
func (e *Engine) supportsTimg() bool { return e.live != nil }

// Tick is the engine's sole periodic entry point, called every 250ms
// (spec.md §5). Neither Tick nor an inbound-message callback may
// suspend; all waits are tick counters.
func (e *Engine) Tick() {
	if !e.Running {
		return
	}

	// 1. saturate spreading
	if e.Spreading < e.Transport.SpreadingInterval {
		e.Spreading++
	}

	// 2. startup counter, warm event fires once at T_AUTO, Normal state only
	if e.State == StateNormal && e.Startup < 0xFFFF {
		e.Startup++
		if e.Startup == tAuto {
			e.onWarmStart()
		}
	}

	// 3. timeout / short_timer countdowns and expiry actions
	if e.Timeout > 0 {
		e.Timeout--
		if e.Timeout == 0 {
			e.onTimeoutExpired()
		}
	}
	if e.ShortTimer > 0 {
		e.ShortTimer--
		if e.ShortTimer == 0 {
			e.onShortTimerExpired()
		}
	}

	// 4. special_drum countdown
	if e.SpecialDrum > 0 {
		e.SpecialDrum--
		if e.SpecialDrum == 1 {
			e.emitDrum()
		}
	}

	// 5. wait countdown drives the periodic broadcast
	if e.Wait > 0 {
		e.Wait--
	}
	if e.Wait == 0 {
		if e.Spreading < e.Transport.SpreadingInterval {
			// traffic observed nearby: re-allocate the slot to reduce
			// collisions instead of re-arming the full period.
			e.Wait = e.rnd.AllocSlot(e.deviceCountOrDefault(), e.Transport.TicksPerSlot)
		} else {
			e.Wait = e.rnd.GetPeriod(e.deviceCountOrDefault(), e.Transport.TicksPerSlot)
			e.runPeriodicSlot()
		}
	}

	if e.supportsTimg() {
		e.tickDas()
	}
	e.tickTcsmr()
}

// onWarmStart fires when Startup reaches T_AUTO, the point at which
// automatic (CSMA/CSMR) enrollment traffic is considered stable.
func (e *Engine) onWarmStart() {
	e.Log.Debug("warm start reached")
}

// runPeriodicSlot walks the class state machine {CSMR→CSMI→NvHb→App→
// TIMG→DRUM} and emits the chosen class (spec.md §4.6).
func (e *Engine) runPeriodicSlot() {
	e.periodic.drumPause++
	forceDrum := e.periodic.drumPause >= drumPauseSlots

	class := e.periodic.nextClass
	if forceDrum {
		class = slotDrum
	}

	switch class {
	case slotCsmr:
		if e.tryCsmr() {
			e.periodic.nextClass = slotCsmi
			return
		}
		e.periodic.nextClass = slotCsmi
		fallthrough
	case slotCsmi:
		e.tryCsmi()
		e.periodic.nextClass = slotNvHb
	case slotNvHb:
		if e.trySendNvHeartbeat() {
			e.periodic.nextClass = slotApp
			return
		}
		e.periodic.nextClass = slotApp
		fallthrough
	case slotApp:
		if e.tryAppPeriodic() {
			e.periodic.nextClass = slotCsmr
			return
		}
		e.periodic.nextClass = slotCsmr
		if e.supportsTimg() {
			e.periodic.nextClass = slotTimg
		}
	case slotTimg:
		e.emitTimg()
		e.periodic.nextClass = slotCsmr
		e.SpecialDrum = 2 // force DRUM on the next tick (tick handler fires it at ==1)
	case slotDrum:
		e.emitDrum()
		e.periodic.drumPause = 0
	}
}

// tryCsmr emits a reminder (CSMR) when an automatic, locally-hosted,
// offset-0 connection exists and startup has progressed past T_CSMR.
func (e *Engine) tryCsmr() bool {
	if e.Startup <= tCsmr {
		return false
	}
	sent := false
	e.ConnTab.Iter(0, func(i int, r Record) bool {
		if r.State == StateInUse && r.Automatic && r.IsHost() && r.Offset == 0 {
			e.sendCsmx(message.CodeCsmr, r)
			sent = true
			return false
		}
		return true
	})
	return sent
}

// tryCsmi advances the connection cursor, emitting CSMI when the
// current connection is locally hosted (spec.md §4.6).
func (e *Engine) tryCsmi() {
	n := e.ConnTab.Size()
	if n == 0 {
		return
	}
	i := e.periodic.lastConnection % n
	r := e.ConnTab.Get(i)
	if r.State == StateInUse && r.IsHost() {
		e.sendCsmi(r)
	}
	e.periodic.lastConnection = (i + 1) % n
}

// trySendNvHeartbeat emits a re-propagation of a bound output NV's last
// value when the application approves via QueryHeartbeat. NV value
// access itself is the host application's responsibility (spec.md §1);
// the engine only decides whether this slot is used.
func (e *Engine) trySendNvHeartbeat() bool {
	found := false
	e.ConnTab.Iter(0, func(i int, r Record) bool {
		if r.State != StateInUse || !r.IsHost() {
			return true
		}
		nv := NvRef{Assembly: r.HostAssembly, NvIndex: 0}
		if e.Assy.QueryHeartbeat(nv) {
			found = true
			return false
		}
		return true
	})
	return found
}

// tryAppPeriodic gates the application-periodic slot on the
// FlagApplicationPeriodics flag and the CreatePeriodicMsg callback.
func (e *Engine) tryAppPeriodic() bool {
	if e.Flags&FlagApplicationPeriodics == 0 {
		return false
	}
	return e.Assy.CreatePeriodicMsg()
}

// emitDrum broadcasts a DRUM (or DRUMEX) frame announcing this device.
func (e *Engine) emitDrum() {
	m := message.Drum{
		DidLen:      e.DomainLen,
		Did:         e.domainID(),
		Subnet:      e.subnet(),
		Node:        e.node(),
		UniqueID:    e.UniqueID,
		Nuid:        e.Persist.Nuid,
		ChannelType: byte(e.ChannelType),
	}
	code := message.CodeDrum
	if e.Flags&FlagExtendedMessages != 0 {
		m.Extended = true
		code = message.CodeDrumEx
	}
	_ = e.Sender.SendBroadcast(code, message.MarshalDrum(m), e.Persist.RepeatCount)
}

// emitTimg broadcasts device-count and channel hints (DAS only).
func (e *Engine) emitTimg() {
	if !e.supportsTimg() {
		return
	}
	m := message.Timg{
		DeviceCount: byte(e.live.estimate()),
		ChannelType: byte(e.ChannelType),
	}
	_ = e.Sender.SendBroadcast(message.CodeTimg, message.MarshalTimg(m), e.Persist.RepeatCount)
}

// domainID/subnet/node report the device's current primary-domain
// identity (spec.md §4.1), set either by a successful DA acquisition
// (OnDidcf) or directly via SetDomain.
func (e *Engine) domainID() [6]byte { return e.Domain }
func (e *Engine) subnet() byte      { return e.Subnet }
func (e *Engine) node() byte        { return e.Node }

// onTimeoutExpired and onShortTimerExpired dispatch into the enrollment
// and acquisition state machines (spec.md §4.6 step 3, §4.7, §4.8).
func (e *Engine) onTimeoutExpired() {
	e.enrollmentTimeoutExpired()
	e.acquisitionTimeoutExpired()
}

func (e *Engine) onShortTimerExpired() {
	e.enrollmentShortTimerExpired()
}
