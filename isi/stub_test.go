package isi

import "github.com/rob-gra/go-isi/isi/message"

// sentFrame records one call through fakeSender, for assertions in tests
// that need to inspect what the engine transmitted.
type sentFrame struct {
	code     message.Code
	payload  []byte
	uniqueID [6]byte
	repeats  int
	kind     string // "broadcast", "broadcast2", "unicast", "pin"
}

// fakeSender is a recording FrameSender, standing in for the link-layer
// stack spec.md §1 places out of scope.
type fakeSender struct {
	sent []sentFrame
}

func (f *fakeSender) SendBroadcast(code message.Code, payload []byte, repeats int) error {
	f.sent = append(f.sent, sentFrame{code: code, payload: payload, repeats: repeats, kind: "broadcast"})
	return nil
}

func (f *fakeSender) SendBroadcastSecondary(code message.Code, payload []byte, repeats int) error {
	f.sent = append(f.sent, sentFrame{code: code, payload: payload, repeats: repeats, kind: "broadcast2"})
	return nil
}

func (f *fakeSender) SendUnicast(code message.Code, payload []byte, uniqueID [6]byte, repeats int) error {
	f.sent = append(f.sent, sentFrame{code: code, payload: payload, uniqueID: uniqueID, repeats: repeats, kind: "unicast"})
	return nil
}

func (f *fakeSender) SendServicePin() error {
	f.sent = append(f.sent, sentFrame{kind: "pin"})
	return nil
}

// fakeAddressProgrammer is a minimal stand-in for the stack's NV/alias
// table collaborator (spec.md §1).
type fakeAddressProgrammer struct {
	programmedDomain    [6]byte
	programmedDomainLen byte
	programmedSubnet    byte
	programmedNode      byte
	programDomainCalls  int
}

func (a *fakeAddressProgrammer) ProgramPrimary(nv NvRef, group byte, selector uint16, timers Profile) error {
	return nil
}

func (a *fakeAddressProgrammer) AllocAlias(primary NvRef, group byte, selector uint16, timers Profile) (int, bool) {
	return 0, true
}

func (a *fakeAddressProgrammer) FreeAlias(aliasIndex int) {}

func (a *fakeAddressProgrammer) AliasesBoundTo(primary NvRef) []int { return nil }

func (a *fakeAddressProgrammer) SweepUnreferenced() {}

func (a *fakeAddressProgrammer) SelectorOf(nv NvRef) uint16 { return 0xFFFF }

func (a *fakeAddressProgrammer) AllocGroupEntry(group byte) (int, bool) { return 0, true }

func (a *fakeAddressProgrammer) ProgramDomain(domain [6]byte, domainLen byte, subnet, node byte) error {
	a.programDomainCalls++
	a.programmedDomain = domain
	a.programmedDomainLen = domainLen
	a.programmedSubnet = subnet
	a.programmedNode = node
	return nil
}

// fakeAssembly is a minimal stand-in for the host application's assembly
// introspection (spec.md §6). One assembly (0), one NV (0), width 1.
type fakeAssembly struct {
	events      []UIEvent
	abortReason []AbortReason
	diagEvents  []DiagnosticsEvent
}

func (a *fakeAssembly) CreateCsmo(assembly uint8) (nvType, group, width byte, flags byte) {
	return 0, 0, 1, message.FlagDirOutput
}

func (a *fakeAssembly) GetAssembly(csmo message.Csmo, auto bool, prevAssembly uint8) (uint8, bool) {
	if prevAssembly != NoAssembly {
		return 0, false
	}
	return 0, true
}

func (a *fakeAssembly) GetNvIndex(assembly uint8, offset int, prevNv int) (int, bool) {
	if prevNv != NoNv {
		return 0, false
	}
	return 0, true
}

func (a *fakeAssembly) GetWidth(assembly uint8) int { return 1 }

func (a *fakeAssembly) GetPrimaryGroup(assembly uint8) byte { return 0 }

func (a *fakeAssembly) QueryHeartbeat(nv NvRef) bool { return false }

func (a *fakeAssembly) CreatePeriodicMsg() bool { return false }

func (a *fakeAssembly) UpdateUserInterface(event UIEvent, assembly uint8) {
	a.events = append(a.events, event)
}

func (a *fakeAssembly) UpdateDiagnostics(event DiagnosticsEvent, param uint8) {
	a.diagEvents = append(a.diagEvents, event)
}

func (a *fakeAssembly) ReportAbort(reason AbortReason) {
	a.abortReason = append(a.abortReason, reason)
}

// fakeStore is an in-memory Store double for persistence round-trip
// tests.
type fakeStore struct {
	connTable []byte
	persist   []byte
}

func (s *fakeStore) ReadConnectionTable() ([]byte, error)  { return s.connTable, nil }
func (s *fakeStore) WriteConnectionTable(b []byte) error   { s.connTable = append([]byte(nil), b...); return nil }
func (s *fakeStore) ReadPersistentState() ([]byte, error)  { return s.persist, nil }
func (s *fakeStore) WritePersistentState(b []byte) error   { s.persist = append([]byte(nil), b...); return nil }

// newTestEngine builds an Engine wired to fresh stub collaborators, ready
// for Start.
func newTestEngine(uniqueID [6]byte, store Store) (*Engine, *fakeSender, *fakeAddressProgrammer, *fakeAssembly) {
	sender := &fakeSender{}
	addr := &fakeAddressProgrammer{}
	assy := &fakeAssembly{}
	pair := AddressProgrammerSenderPair{FrameSender: sender, AddressProgrammer: addr}
	e := NewEngine(8, uniqueID, pair, assy, store)
	return e, sender, addr, assy
}
