package isi

// NoAssembly is the sentinel for "this device is not host/member of a
// connection record" (spec.md §3).
const NoAssembly = 0xFF

// MaxConnectionTableSize bounds the connection table at 256 records
// (spec.md §3); CID serial space is bounded at 255 (spec.md §9).
const MaxConnectionTableSize = 256

// WidthPerRecord is the number of selectors a single connection record
// can govern; wider connections span multiple linked records (spec.md
// §3).
const WidthPerRecord = 4

// ConnState is the lifecycle state of a connection record (spec.md §3).
type ConnState uint8

const (
	StateUnused ConnState = iota
	StatePending
	StateInUse
	StateTcsmrScheduled
)

func (s ConnState) String() string {
	switch s {
	case StateUnused:
		return "Unused"
	case StatePending:
		return "Pending"
	case StateInUse:
		return "InUse"
	case StateTcsmrScheduled:
		return "TcsmrScheduled"
	default:
		return "Invalid"
	}
}

// Cid is a connection identifier: the 6-byte unique device id of the
// originating host plus a 1-byte serial (spec.md §3, GLOSSARY). It is
// compared by value throughout this package — the original C
// implementation's `is_cid_in_use` instead compared `&pCid` against a
// struct pointer (effectively comparing two stack addresses), a bug
// spec.md §9 flags as an open question; we do not reproduce it. See
// DESIGN.md.
type Cid [7]byte

// UniqueID returns the 6-byte originating device id embedded in the CID.
func (c Cid) UniqueID() [6]byte {
	var id [6]byte
	copy(id[:], c[:6])
	return id
}

// Serial returns the 1-byte serial embedded in the CID.
func (c Cid) Serial() byte { return c[6] }

// Record is a single connection-table entry (spec.md §3).
type Record struct {
	Cid            Cid
	SelectorBase   uint16
	Offset         uint8
	Width          uint8
	HostAssembly   uint8
	MemberAssembly uint8
	State          ConnState
	Extend         bool
	CsmeSeen       bool
	Automatic      bool
}

// IsHost reports whether this device hosts the record.
func (r Record) IsHost() bool { return r.HostAssembly != NoAssembly }

// IsMember reports whether this device is a member of the record.
func (r Record) IsMember() bool { return r.MemberAssembly != NoAssembly }

// IsTurnaround reports whether this device both hosts and is a member of
// the same connection (spec.md §3 invariant).
func (r Record) IsTurnaround() bool { return r.IsHost() && r.IsMember() }

// SelectorEnd returns the exclusive end of the record's selector range.
func (r Record) SelectorEnd() uint16 { return AddSelector(r.SelectorBase, int(r.Width)) }

// ConnectionTable is the fixed-capacity array of connection records
// (spec.md §4.3), grounded on original_source ConnTab.c, ApprCsmo.c, and
// Cid.c.
type ConnectionTable struct {
	records []Record
}

// NewConnectionTable allocates a table with the given capacity N
// (1..MaxConnectionTableSize), all records Unused.
func NewConnectionTable(size int) *ConnectionTable {
	if size <= 0 {
		size = 1
	}
	if size > MaxConnectionTableSize {
		size = MaxConnectionTableSize
	}
	return &ConnectionTable{records: make([]Record, size)}
}

// Size returns N, the table's capacity.
func (t *ConnectionTable) Size() int { return len(t.records) }

// Get returns the record at index i.
func (t *ConnectionTable) Get(i int) Record { return t.records[i] }

// Set stores record at index i.
func (t *ConnectionTable) Set(i int, r Record) { t.records[i] = r }

// Iter calls fn for every record starting at index `from`, in ascending
// index order, stopping early if fn returns false.
func (t *ConnectionTable) Iter(from int, fn func(index int, r Record) bool) {
	for i := from; i < len(t.records); i++ {
		if !fn(i, t.records[i]) {
			return
		}
	}
}

// FindByCid returns the lowest index whose record carries cid, or
// (-1, false) if none does.
func (t *ConnectionTable) FindByCid(cid Cid) (int, bool) {
	for i, r := range t.records {
		if r.State != StateUnused && r.Cid == cid {
			return i, true
		}
	}
	return -1, false
}

// NextSerialAvail scans in-use records sharing uniqueID as their CID's
// originator and returns max(serial)+1 mod 255 (spec.md §4.3, grounded
// on original_source Cid.c's getNextSerialAvail).
func (t *ConnectionTable) NextSerialAvail(uniqueID [6]byte) byte {
	highest := -1
	for _, r := range t.records {
		if r.State == StateUnused {
			continue
		}
		if r.Cid.UniqueID() != uniqueID {
			continue
		}
		if s := int(r.Cid.Serial()); s > highest {
			highest = s
		}
	}
	return byte((highest + 1) % 255)
}

// cidInUse reports whether any non-Unused record carries exactly cid
// (compared by value — see the Cid doc comment above).
func (t *ConnectionTable) cidInUse(cid Cid) bool {
	for _, r := range t.records {
		if r.State != StateUnused && r.Cid == cid {
			return true
		}
	}
	return false
}

// CreateCid walks serials starting at NextSerialAvail, picking the first
// not already in use for uniqueID, wrapping 0..254. It fails only when
// all 255 slots are exhausted (spec.md §4.3, §9).
func (t *ConnectionTable) CreateCid(uniqueID [6]byte) (Cid, bool) {
	start := t.NextSerialAvail(uniqueID)
	serial := start
	for {
		var cid Cid
		copy(cid[:6], uniqueID[:])
		cid[6] = serial
		if !t.cidInUse(cid) {
			return cid, true
		}
		serial = byte((int(serial) + 1) % 255)
		if serial == start {
			return Cid{}, false
		}
	}
}

// ApproveCsmo scans the table in index order, reserving the minimum
// number of records with state < InUse to cover width (1..WidthPerRecord
// selectors per record). Records with state >= InUse are skipped, so the
// reserved records need not be adjacent. It fills cid/selector/offset/width for each and
// leaves them Pending. It returns false (and leaves the table untouched)
// if insufficient space exists. Grounded on original_source ApprCsmo.c.
func (t *ConnectionTable) ApproveCsmo(cid Cid, selectorBase uint16, width int, auto bool, hostAssembly, memberAssembly uint8) (firstIndex int, ok bool) {
	if width <= 0 {
		return -1, false
	}
	remaining := width
	offset := 0
	first := -1
	var reserved []int
	var saved []Record

	for i, r := range t.records {
		if remaining <= 0 {
			break
		}
		if r.State >= StateInUse {
			continue
		}
		w := remaining
		if w > WidthPerRecord {
			w = WidthPerRecord
		}
		reserved = append(reserved, i)
		saved = append(saved, r)
		if first == -1 {
			first = i
		}
		t.records[i] = Record{
			Cid:            cid,
			SelectorBase:   AddSelector(selectorBase, offset),
			Offset:         uint8(offset),
			Width:          uint8(w),
			HostAssembly:   hostAssembly,
			MemberAssembly: memberAssembly,
			State:          StatePending,
			Automatic:      auto,
		}
		offset += WidthPerRecord
		remaining -= WidthPerRecord
	}

	if remaining > 0 {
		// Not enough space: put every record we touched back as it was,
		// so no partial reservation is left live.
		for k, i := range reserved {
			t.records[i] = saved[k]
		}
		return -1, false
	}
	return first, true
}

// RecordsForCid returns all non-Unused records sharing cid, in index
// order — used to walk every record of a wide (multi-record) connection.
func (t *ConnectionTable) RecordsForCid(cid Cid) []int {
	var out []int
	for i, r := range t.records {
		if r.State != StateUnused && r.Cid == cid {
			out = append(out, i)
		}
	}
	return out
}

// Clear resets every record to Unused (used by
// return_to_factory_defaults, spec.md §3, §8).
func (t *ConnectionTable) Clear() {
	for i := range t.records {
		t.records[i] = Record{HostAssembly: NoAssembly, MemberAssembly: NoAssembly}
	}
}
