package isi

import (
	"testing"

	"github.com/rob-gra/go-isi/isi/message"
)

func TestSupportsTimgTracksDas(t *testing.T) {
	e, _, _, _ := newTestEngine(testUniqueID(1), nil)
	if e.supportsTimg() {
		t.Error("a fresh engine should not support TIMG before EnableDas")
	}
	e.EnableDas()
	if !e.supportsTimg() {
		t.Error("supportsTimg should be true once EnableDas is called")
	}
	e.DisableDas()
	if e.supportsTimg() {
		t.Error("supportsTimg should be false again after DisableDas")
	}
}

func TestRunPeriodicSlotForcesDrumEvery8th(t *testing.T) {
	e, sender, _, _ := newTestEngine(testUniqueID(2), nil)
	if err := e.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < drumPauseSlots-1; i++ {
		e.runPeriodicSlot()
	}
	for _, f := range sender.sent {
		if f.code == message.CodeDrum {
			t.Fatalf("DRUM emitted before slot %d, want only on slot %d", drumPauseSlots, drumPauseSlots)
		}
	}

	e.runPeriodicSlot()
	found := false
	for _, f := range sender.sent {
		if f.kind == "broadcast" && f.code == message.CodeDrum {
			found = true
		}
	}
	if !found {
		t.Errorf("no DRUM emitted by the %dth periodic slot", drumPauseSlots)
	}
	if e.periodic.drumPause != 0 {
		t.Errorf("drumPause = %d after forced DRUM, want reset to 0", e.periodic.drumPause)
	}
}

func TestTryCsmrEmitsReminderPastStartupThreshold(t *testing.T) {
	e, sender, _, _ := newTestEngine(testUniqueID(3), nil)
	if err := e.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Startup = tCsmr + 1
	e.ConnTab.Set(0, Record{
		Cid: Cid{1, 1, 1, 1, 1, 1, 0}, State: StateInUse, Automatic: true,
		HostAssembly: 0, MemberAssembly: NoAssembly, Offset: 0,
	})

	if !e.tryCsmr() {
		t.Fatal("tryCsmr should fire once startup has progressed past T_CSMR")
	}
	found := false
	for _, f := range sender.sent {
		if f.kind == "broadcast" && f.code == message.CodeCsmr {
			found = true
		}
	}
	if !found {
		t.Error("tryCsmr should have broadcast a CSMR frame")
	}
}

func TestTryCsmrSkipsBeforeStartupThreshold(t *testing.T) {
	e, _, _, _ := newTestEngine(testUniqueID(4), nil)
	if err := e.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Startup = 0
	e.ConnTab.Set(0, Record{
		Cid: Cid{1, 1, 1, 1, 1, 1, 0}, State: StateInUse, Automatic: true,
		HostAssembly: 0, MemberAssembly: NoAssembly, Offset: 0,
	})
	if e.tryCsmr() {
		t.Error("tryCsmr should not fire before T_CSMR has elapsed")
	}
}

func TestTryCsmiAdvancesCursor(t *testing.T) {
	e, sender, _, _ := newTestEngine(testUniqueID(5), nil)
	if err := e.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.ConnTab.Set(0, Record{
		Cid: Cid{2, 2, 2, 2, 2, 2, 0}, State: StateInUse,
		HostAssembly: 0, MemberAssembly: NoAssembly,
	})

	e.tryCsmi()

	if e.periodic.lastConnection != 1 {
		t.Errorf("lastConnection = %d, want 1 after visiting record 0", e.periodic.lastConnection)
	}
	found := false
	for _, f := range sender.sent {
		if f.kind == "broadcast" && f.code == message.CodeCsmi {
			found = true
		}
	}
	if !found {
		t.Error("tryCsmi should have broadcast a CSMI frame for the hosted record")
	}
}

func TestTickAdvancesStartupToTAuto(t *testing.T) {
	e, _, _, _ := newTestEngine(testUniqueID(6), nil)
	if err := e.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Wait = 1 << 20 // keep the periodic slot from firing mid-test

	for i := 0; i < tAuto; i++ {
		e.Tick()
	}
	if e.Startup != tAuto {
		t.Errorf("Startup = %d, want %d", e.Startup, tAuto)
	}
}

func TestTickNoopWhenNotRunning(t *testing.T) {
	e, sender, _, _ := newTestEngine(testUniqueID(7), nil)
	e.Tick()
	if len(sender.sent) != 0 {
		t.Error("Tick on a non-running engine must not send anything")
	}
}
