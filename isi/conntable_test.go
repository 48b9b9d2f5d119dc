package isi

import "testing"

func testUniqueID(b byte) [6]byte {
	return [6]byte{b, b, b, b, b, b}
}

func TestCreateCidAssignsFirstFreeSerial(t *testing.T) {
	tab := NewConnectionTable(8)
	uid := testUniqueID(1)

	cid, ok := tab.CreateCid(uid)
	if !ok {
		t.Fatal("CreateCid failed on an empty table")
	}
	if cid.UniqueID() != uid || cid.Serial() != 0 {
		t.Fatalf("CreateCid = %+v, want serial 0 for a fresh uniqueID", cid)
	}
}

func TestNextSerialAvailSkipsUsed(t *testing.T) {
	tab := NewConnectionTable(8)
	uid := testUniqueID(2)
	tab.Set(0, Record{Cid: Cid{2, 2, 2, 2, 2, 2, 5}, State: StateInUse, HostAssembly: NoAssembly, MemberAssembly: NoAssembly})

	if got := tab.NextSerialAvail(uid); got != 6 {
		t.Errorf("NextSerialAvail = %d, want 6", got)
	}
}

func TestCreateCidExhaustion(t *testing.T) {
	tab := NewConnectionTable(256)
	uid := testUniqueID(3)
	for s := 0; s < 255; s++ {
		tab.Set(s, Record{
			Cid:            Cid{3, 3, 3, 3, 3, 3, byte(s)},
			State:          StateInUse,
			HostAssembly:   NoAssembly,
			MemberAssembly: NoAssembly,
		})
	}
	if _, ok := tab.CreateCid(uid); ok {
		t.Error("CreateCid must fail once all 255 serials for a uniqueID are in use")
	}
}

func TestApproveCsmoReservesConsecutiveRecords(t *testing.T) {
	tab := NewConnectionTable(4)
	cid := Cid{1, 1, 1, 1, 1, 1, 0}

	first, ok := tab.ApproveCsmo(cid, 0x100, 6, false, 0, NoAssembly)
	if !ok {
		t.Fatal("ApproveCsmo failed with sufficient space")
	}
	if first != 0 {
		t.Errorf("ApproveCsmo first index = %d, want 0", first)
	}
	r0 := tab.Get(0)
	r1 := tab.Get(1)
	if r0.State != StatePending || r1.State != StatePending {
		t.Error("ApproveCsmo must leave reserved records Pending")
	}
	if r0.Width != WidthPerRecord || r1.Width != 2 {
		t.Errorf("widths = %d, %d; want %d, 2", r0.Width, r1.Width, WidthPerRecord)
	}
	if r1.Offset != WidthPerRecord {
		t.Errorf("second record offset = %d, want %d", r1.Offset, WidthPerRecord)
	}
}

func TestApproveCsmoRollsBackOnInsufficientSpace(t *testing.T) {
	tab := NewConnectionTable(2)
	cid := Cid{9, 9, 9, 9, 9, 9, 0}

	_, ok := tab.ApproveCsmo(cid, 0x200, 16, false, 0, NoAssembly)
	if ok {
		t.Fatal("ApproveCsmo must fail when the table cannot cover the requested width")
	}
	for i := 0; i < tab.Size(); i++ {
		if r := tab.Get(i); r.State != StateUnused {
			t.Errorf("record %d left in state %v after rollback, want Unused", i, r.State)
		}
	}
}

func TestFindByCidAndRecordsForCid(t *testing.T) {
	tab := NewConnectionTable(4)
	cid := Cid{5, 5, 5, 5, 5, 5, 1}
	tab.Set(1, Record{Cid: cid, State: StateInUse, HostAssembly: NoAssembly, MemberAssembly: NoAssembly})
	tab.Set(2, Record{Cid: cid, State: StatePending, HostAssembly: NoAssembly, MemberAssembly: NoAssembly})

	idx, ok := tab.FindByCid(cid)
	if !ok || idx != 1 {
		t.Errorf("FindByCid = (%d, %v), want (1, true)", idx, ok)
	}
	recs := tab.RecordsForCid(cid)
	if len(recs) != 2 || recs[0] != 1 || recs[1] != 2 {
		t.Errorf("RecordsForCid = %v, want [1 2]", recs)
	}
}

func TestClearResetsAllRecords(t *testing.T) {
	tab := NewConnectionTable(3)
	tab.Set(0, Record{Cid: Cid{1, 2, 3, 4, 5, 6, 7}, State: StateInUse})
	tab.Clear()
	for i := 0; i < tab.Size(); i++ {
		r := tab.Get(i)
		if r.State != StateUnused || r.HostAssembly != NoAssembly || r.MemberAssembly != NoAssembly {
			t.Errorf("record %d after Clear = %+v, want zeroed Unused with NoAssembly", i, r)
		}
	}
}

func TestRecordIsTurnaround(t *testing.T) {
	r := Record{HostAssembly: 0, MemberAssembly: 1}
	if !r.IsTurnaround() {
		t.Error("record with both host and member assemblies set should be a turnaround")
	}
	r2 := Record{HostAssembly: 0, MemberAssembly: NoAssembly}
	if r2.IsTurnaround() {
		t.Error("record with no member assembly should not be a turnaround")
	}
}
