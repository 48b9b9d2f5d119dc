package isi

import (
	"encoding/binary"
	"hash/crc32"
)

// persistSignature and persistVersion identify the two blobs this
// package writes: the connection table and the persistent engine state
// (spec.md §3, §8). Each blob is framed identically: 4-byte signature,
// 1-byte version, 4-byte little-endian length, the payload, then a
// 4-byte CRC32 checksum over version+length+payload — the
// signature+version+length+checksum shape the rest of the example
// corpus uses for its own binary persistence (canonical-snapd's boot
// assertion headers), generalized here for a device that persists binary
// state across reboots; checksum uses the standard library's
// hash/crc32 because no pack dependency offers a lighter-weight framed
// checksum for this.
var (
	connTableSignature = [4]byte{'I', 'S', 'I', 'C'}
	persistSignature    = [4]byte{'I', 'S', 'I', 'P'}
)

const persistVersion = 1

// Store is the persistence collaborator: durable storage for the
// connection table and the persistent engine state, keyed however the
// host application likes (a file, a KV row, flash). Implementations
// need not be atomic across the two blobs — the engine tolerates one
// present without the other (spec.md §3's lifecycle: missing or corrupt
// state degrades to Reset, never a crash).
type Store interface {
	ReadConnectionTable() ([]byte, error)
	WriteConnectionTable([]byte) error
	ReadPersistentState() ([]byte, error)
	WritePersistentState([]byte) error
}

func frame(sig [4]byte, payload []byte) []byte {
	out := make([]byte, 0, 4+1+4+len(payload)+4)
	out = append(out, sig[:]...)
	out = append(out, persistVersion)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	sum := crc32.ChecksumIEEE(out[4:])
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	return append(out, sumBuf[:]...)
}

// unframe validates sig/version/length/checksum and returns the payload.
func unframe(sig [4]byte, buf []byte) ([]byte, bool) {
	if len(buf) < 4+1+4+4 {
		return nil, false
	}
	if [4]byte(buf[:4]) != sig {
		return nil, false
	}
	if buf[4] != persistVersion {
		return nil, false
	}
	length := binary.LittleEndian.Uint32(buf[5:9])
	payload := buf[9:]
	if uint32(len(payload)) < length+4 {
		return nil, false
	}
	payload, checksum := payload[:length], payload[length:length+4]
	want := binary.LittleEndian.Uint32(checksum)
	got := crc32.ChecksumIEEE(buf[4 : 9+length])
	if want != got {
		return nil, false
	}
	return payload, true
}

// recordSize is the fixed per-record serialization width: Cid(7) +
// SelectorBase(2) + Offset(1) + Width(1) + HostAssembly(1) +
// MemberAssembly(1) + State(1) + flags(1).
const recordSize = 15

func marshalRecord(r Record) []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:7], r.Cid[:])
	binary.LittleEndian.PutUint16(buf[7:9], r.SelectorBase)
	buf[9] = r.Offset
	buf[10] = r.Width
	buf[11] = r.HostAssembly
	buf[12] = r.MemberAssembly
	buf[13] = byte(r.State)
	var flags byte
	if r.Extend {
		flags |= 1
	}
	if r.CsmeSeen {
		flags |= 2
	}
	if r.Automatic {
		flags |= 4
	}
	buf[14] = flags
	return buf
}

func unmarshalRecord(buf []byte) Record {
	var r Record
	copy(r.Cid[:], buf[0:7])
	r.SelectorBase = binary.LittleEndian.Uint16(buf[7:9])
	r.Offset = buf[9]
	r.Width = buf[10]
	r.HostAssembly = buf[11]
	r.MemberAssembly = buf[12]
	r.State = ConnState(buf[13])
	flags := buf[14]
	r.Extend = flags&1 != 0
	r.CsmeSeen = flags&2 != 0
	r.Automatic = flags&4 != 0
	return r
}

// persistConnectionTable serializes and stores the connection table.
// Failures are logged, not surfaced — persistence is best-effort per
// spec.md §3 (a device that cannot write flash still functions until
// its next reboot).
func (e *Engine) persistConnectionTable() {
	if e.Store == nil {
		return
	}
	n := e.ConnTab.Size()
	payload := make([]byte, 0, 2+n*recordSize)
	var nBuf [2]byte
	binary.LittleEndian.PutUint16(nBuf[:], uint16(n))
	payload = append(payload, nBuf[:]...)
	for i := 0; i < n; i++ {
		payload = append(payload, marshalRecord(e.ConnTab.Get(i))...)
	}
	if err := e.Store.WriteConnectionTable(frame(connTableSignature, payload)); err != nil {
		e.Log.Error("persist connection table: %v", err)
	}
}

// restoreConnectionTable loads a previously persisted connection table
// into e.ConnTab, sized to match what was saved. Returns false (leaving
// ConnTab untouched) on any absence or corruption.
func (e *Engine) restoreConnectionTable() bool {
	if e.Store == nil {
		return false
	}
	raw, err := e.Store.ReadConnectionTable()
	if err != nil || raw == nil {
		return false
	}
	payload, ok := unframe(connTableSignature, raw)
	if !ok || len(payload) < 2 {
		return false
	}
	n := int(binary.LittleEndian.Uint16(payload[0:2]))
	payload = payload[2:]
	if len(payload) != n*recordSize {
		return false
	}
	table := NewConnectionTable(n)
	for i := 0; i < n; i++ {
		table.Set(i, unmarshalRecord(payload[i*recordSize:(i+1)*recordSize]))
	}
	e.ConnTab = table
	return true
}

// persistentStateSize is the fixed serialization width of
// PersistentState: DeviceCountEstimate(2) + Nuid(1) + Serial(1) +
// BootType(1) + RepeatCount(1).
const persistentStateSize = 6

func marshalPersistentState(p PersistentState) []byte {
	buf := make([]byte, persistentStateSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.DeviceCountEstimate))
	buf[2] = p.Nuid
	buf[3] = p.Serial
	buf[4] = byte(p.BootType)
	buf[5] = byte(p.RepeatCount)
	return buf
}

func unmarshalPersistentState(buf []byte) PersistentState {
	return PersistentState{
		DeviceCountEstimate: int(binary.LittleEndian.Uint16(buf[0:2])),
		Nuid:                buf[2],
		Serial:              buf[3],
		BootType:            BootType(buf[4]),
		RepeatCount:         int(buf[5]),
	}
}

// persistPersistentState serializes and stores PersistentState.
func (e *Engine) persistPersistentState() {
	if e.Store == nil {
		return
	}
	payload := marshalPersistentState(e.Persist)
	if err := e.Store.WritePersistentState(frame(persistSignature, payload)); err != nil {
		e.Log.Error("persist engine state: %v", err)
	}
}

// restorePersistentState loads PersistentState from the store. Returns
// false on any absence or corruption.
func (e *Engine) restorePersistentState() bool {
	if e.Store == nil {
		return false
	}
	raw, err := e.Store.ReadPersistentState()
	if err != nil || raw == nil {
		return false
	}
	payload, ok := unframe(persistSignature, raw)
	if !ok || len(payload) != persistentStateSize {
		return false
	}
	p := unmarshalPersistentState(payload)
	if p.RepeatCount < 1 || p.RepeatCount > 3 {
		p.RepeatCount = 1
	}
	e.Persist = p
	return true
}
