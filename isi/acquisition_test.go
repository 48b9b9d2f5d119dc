package isi

import (
	"testing"

	"github.com/rob-gra/go-isi/isi/message"
)

// TestAcquisitionFullHandshake exercises the DA/DAS domain-acquisition
// round trip (spec.md §8 scenario 3): DA sends DIDRQ, DAS answers DIDRM,
// the operator confirms on the DA, which sends the DIDCF itself; the test
// delivers that DIDCF payload back to the DA, which programs the new
// domain, firing isiRegistered. The DAS does not emit a DIDCF.
func TestAcquisitionFullHandshake(t *testing.T) {
	da, daSender, daAddr, daAssy := newTestEngine(testUniqueID(1), nil)
	das, dasSender, _, _ := newTestEngine(testUniqueID(2), nil)
	if err := da.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("DA Start: %v", err)
	}
	if err := das.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("DAS Start: %v", err)
	}
	das.EnableDas()
	das.SetDomain([6]byte{0x0A}, 1, 0, 0)

	target := das.UniqueID
	if err := da.AcquireDomain(target); err != nil {
		t.Fatalf("AcquireDomain: %v", err)
	}
	if da.State&StateAwaitDidrx == 0 {
		t.Fatalf("DA state = %v, want StateAwaitDidrx set", da.State)
	}

	didrq := message.UnmarshalDidrq(lastBroadcastSecondary(t, daSender, message.CodeDidrq))
	das.OnDidrq(didrq)

	// The DAS answers by unicast; relay it back to the DA as if received
	// over the link layer, with the DAS's own unique id as the sender.
	var didrmBuf []byte
	for i := len(dasSender.sent) - 1; i >= 0; i-- {
		if dasSender.sent[i].kind == "unicast" && dasSender.sent[i].code == message.CodeDidrm {
			didrmBuf = dasSender.sent[i].payload
			break
		}
	}
	if didrmBuf == nil {
		t.Fatal("DAS did not reply with a DIDRM")
	}
	didrm := message.UnmarshalDidrm(didrmBuf)
	if didrm.Did != das.Domain || didrm.DidLen != das.DomainLen {
		t.Errorf("DIDRM domain = %x/%d, want the DAS's own domain %x/%d", didrm.Did, didrm.DidLen, das.Domain, das.DomainLen)
	}
	ip852 := DefaultProfiles()[ChannelIP852]
	if int(didrm.Subnet) < ip852.SubnetBase || int(didrm.Subnet) >= ip852.SubnetBase+SubnetBucketSize {
		t.Errorf("DIDRM subnet = %d, want it bucketed in [%d, %d)", didrm.Subnet, ip852.SubnetBase, ip852.SubnetBase+SubnetBucketSize)
	}
	if didrm.Node < NodeBase || didrm.Node > NodeBase+NodeRange-1 {
		t.Errorf("DIDRM node = %d, want it in [%d, %d]", didrm.Node, NodeBase, NodeBase+NodeRange-1)
	}
	da.OnDidrm(didrm, das.UniqueID)
	if da.State&StateAwaitConfirm == 0 {
		t.Fatalf("DA state = %v, want StateAwaitConfirm set after DIDRM", da.State)
	}

	if err := da.ConfirmAcquisition(); err != nil {
		t.Fatalf("ConfirmAcquisition: %v", err)
	}
	var didcfBuf []byte
	for i := len(daSender.sent) - 1; i >= 0; i-- {
		if daSender.sent[i].kind == "unicast" && daSender.sent[i].code == message.CodeDidcf {
			didcfBuf = daSender.sent[i].payload
			break
		}
	}
	if didcfBuf == nil {
		t.Fatal("DA did not send a DIDCF after confirmation")
	}

	// The DAS takes no part in this step; what matters here is that the
	// DA applies the cached DIDRM once it receives back the same payload
	// as DIDCF.
	da.OnDidcf(message.UnmarshalDidrm(didcfBuf))

	if da.State&acquisitionStates != 0 {
		t.Errorf("DA state = %v, want all acquisition bits clear after DIDCF", da.State)
	}
	if daAddr.programDomainCalls != 1 {
		t.Fatalf("ProgramDomain called %d times, want 1", daAddr.programDomainCalls)
	}
	if daAddr.programmedSubnet != didrm.Subnet || daAddr.programmedNode != didrm.Node {
		t.Errorf("programmed subnet/node = %d/%d, want %d/%d", daAddr.programmedSubnet, daAddr.programmedNode, didrm.Subnet, didrm.Node)
	}
	if da.Domain != didrm.Did || da.Subnet != didrm.Subnet || da.Node != didrm.Node {
		t.Errorf("DA's own domain/subnet/node = %x/%d/%d, want %x/%d/%d", da.Domain, da.Subnet, da.Node, didrm.Did, didrm.Subnet, didrm.Node)
	}
	if !containsEvent(daAssy.events, EventRegistered) {
		t.Error("DA should have fired EventRegistered")
	}
}

func lastBroadcastSecondary(t *testing.T, s *fakeSender, code message.Code) []byte {
	t.Helper()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].kind == "broadcast2" && s.sent[i].code == code {
			return s.sent[i].payload
		}
	}
	t.Fatalf("no secondary-domain broadcast of %v found", code)
	return nil
}

// TestDeviceCountEstimatorFortyDrums exercises the live-table estimator
// (spec.md §8 scenario 4): crediting 40 distinct nuids via DRUM must push
// the estimate to at least 40 (and never past the 255 ceiling).
func TestDeviceCountEstimatorFortyDrums(t *testing.T) {
	das, _, _, _ := newTestEngine(testUniqueID(9), nil)
	if err := das.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	das.EnableDas()

	for nuid := 0; nuid < 40; nuid++ {
		das.OnDrum(message.Drum{Nuid: byte(nuid)})
	}

	got := das.DeviceCountEstimate()
	if got < 40 {
		t.Errorf("DeviceCountEstimate() = %d, want >= 40 after 40 distinct DRUMs", got)
	}
	if got > 255 {
		t.Errorf("DeviceCountEstimate() = %d, want <= 255", got)
	}
}

// TestDeviceCountEstimatorDecay verifies that nuids stop counting once
// their credit decays to zero.
func TestDeviceCountEstimatorDecay(t *testing.T) {
	das, _, _, _ := newTestEngine(testUniqueID(10), nil)
	if err := das.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	das.EnableDas()
	das.OnDrum(message.Drum{Nuid: 1})

	before := das.DeviceCountEstimate()
	if before < minEstimate {
		t.Fatalf("estimate before decay = %d, want >= minEstimate", before)
	}

	rounds := (standardCredit/standardDebit + 1) * (tColl + 1)
	for i := 0; i < rounds; i++ {
		das.tickDas()
	}

	after := das.live.estimate()
	if after != minEstimate {
		t.Errorf("estimate after full decay = %d, want the floor %d", after, minEstimate)
	}
}

// TestDisableDasFallsBackToPersistedEstimate verifies a non-DAS engine
// reports its last-known persisted estimate instead of a live count.
func TestDisableDasFallsBackToPersistedEstimate(t *testing.T) {
	e, _, _, _ := newTestEngine(testUniqueID(11), nil)
	if err := e.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.EnableDas()
	e.DisableDas()
	if got := e.DeviceCountEstimate(); got != defaultDeviceCount {
		t.Errorf("DeviceCountEstimate() with no DAS and no persisted estimate = %d, want default %d", got, defaultDeviceCount)
	}
	e.OverrideDeviceCountEstimate(100)
	if got := e.DeviceCountEstimate(); got != 100 {
		t.Errorf("DeviceCountEstimate() after override = %d, want 100", got)
	}
}

func TestAcquireDomainRejectsWhileBusy(t *testing.T) {
	da, _, _, _ := newTestEngine(testUniqueID(12), nil)
	if err := da.Start(BootReboot, ChannelIP852); err != nil {
		t.Fatalf("Start: %v", err)
	}
	target := testUniqueID(99)
	if err := da.AcquireDomain(target); err != nil {
		t.Fatalf("first AcquireDomain: %v", err)
	}
	if err := da.AcquireDomain(target); err == nil {
		t.Error("second concurrent AcquireDomain should fail with ErrBusy")
	}
}
