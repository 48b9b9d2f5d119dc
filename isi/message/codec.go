package message

import "encoding/binary"

// Headroom is the number of trailing bytes a receiver accepts beyond a
// message's declared length, reserved for forward-compatible extension
// fields (spec.md §4.5, §6).
const Headroom = 4

// lengthTable maps each code to its expected byte length — the fixed
// table spec.md §4.5 calls authoritative.
var lengthTable = [codeCount]int{
	CodeDrum:   17,
	CodeDrumEx: 20,
	CodeCsmo:   13,
	CodeCsmoEx: 16,
	CodeCsma:   13,
	CodeCsmaEx: 16,
	CodeCsmr:   13,
	CodeCsmrEx: 16,
	CodeDidrq:  7,
	CodeDidrm:  17,
	CodeDidcf:  17,
	CodeTimg:   2,
	CodeCsmx:   7,
	CodeCsmc:   7,
	CodeCsme:   7,
	CodeCsmd:   7,
	CodeCsmi:   10,
}

// ExpectedLength returns the fixed-table length for code, or false if
// code is not one of the 17 defined codes.
func ExpectedLength(code Code) (int, bool) {
	if code >= codeCount {
		return 0, false
	}
	return lengthTable[code], true
}

// Approve implements spec.md §4.5's _IsiApprove: the engine must be
// running, the code byte's protocol-version bits must be zero, the code
// must be one of the defined codes, and the payload length must fall in
// [expected, expected+Headroom]. It only knows about the 17 ISI codes;
// service-pin messages are not approved here.
func Approve(running bool, codeByte byte, payloadLen int) (Code, bool) {
	if !running {
		return 0, false
	}
	if codeByte&protocolVersionMask != 0 {
		return 0, false
	}
	code := Code(codeByte &^ protocolVersionMask)
	expected, ok := ExpectedLength(code)
	if !ok {
		return 0, false
	}
	if payloadLen < expected || payloadLen > expected+Headroom {
		return code, false
	}
	return code, true
}

// --- cursor-based encode/decode, modeled on asdu.ASDU's AppendXxx/DecodeXxx pairs ---

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte)  { e.buf = append(e.buf, b) }
func (e *encoder) bytes(b []byte) { e.buf = append(e.buf, b...) }
func (e *encoder) u16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

type decoder struct {
	buf []byte
}

func (d *decoder) byte() byte {
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) bytes(n int) []byte {
	v := d.buf[:n]
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) u16() uint16 {
	v := binary.LittleEndian.Uint16(d.buf[:2])
	d.buf = d.buf[2:]
	return v
}

// MarshalCsmo packs a Csmo into its wire form; the caller picks the code
// (CSMO/CSMOEX/CSMA/CSMAEX/CSMR/CSMREX) since the struct shape is shared.
func MarshalCsmo(c Csmo) []byte {
	e := &encoder{}
	e.bytes(c.Cid[:])
	e.u16(c.Selector & SelectorMask)
	e.byte(c.Group)
	e.byte(c.NvType)
	e.byte(c.Width)
	e.byte(c.Flags)
	if c.Extended {
		e.bytes(c.DeviceClass[:])
		e.byte(c.Usage)
	}
	return e.buf
}

// SelectorMask isolates the 14 bits that make up a valid selector.
const SelectorMask = 0x3FFF

// UnmarshalCsmo unpacks a Csmo payload. extended selects whether the
// *EX trailing fields are present; callers determine this from the code
// that was approved.
func UnmarshalCsmo(buf []byte, extended bool) Csmo {
	d := &decoder{buf: buf}
	var c Csmo
	copy(c.Cid[:], d.bytes(7))
	c.Selector = d.u16() & SelectorMask
	c.Group = d.byte()
	c.NvType = d.byte()
	c.Width = d.byte()
	c.Flags = d.byte()
	if extended && len(d.buf) >= 3 {
		c.Extended = true
		copy(c.DeviceClass[:], d.bytes(2))
		c.Usage = d.byte()
	}
	return c
}

// MarshalDrum packs a Drum into its wire form.
func MarshalDrum(m Drum) []byte {
	e := &encoder{}
	e.byte(m.DidLen)
	e.bytes(m.Did[:])
	e.byte(m.Subnet)
	e.byte(m.Node)
	e.bytes(m.UniqueID[:])
	e.byte(m.Nuid)
	e.byte(m.ChannelType)
	if m.Extended {
		e.bytes(m.DeviceClass[:])
		e.byte(m.Usage)
	}
	return e.buf
}

// UnmarshalDrum unpacks a Drum payload.
func UnmarshalDrum(buf []byte, extended bool) Drum {
	d := &decoder{buf: buf}
	var m Drum
	m.DidLen = d.byte()
	copy(m.Did[:], d.bytes(6))
	m.Subnet = d.byte()
	m.Node = d.byte()
	copy(m.UniqueID[:], d.bytes(6))
	m.Nuid = d.byte()
	m.ChannelType = d.byte()
	if extended && len(d.buf) >= 3 {
		m.Extended = true
		copy(m.DeviceClass[:], d.bytes(2))
		m.Usage = d.byte()
	}
	return m
}

// MarshalDidrq packs a Didrq into its wire form.
func MarshalDidrq(m Didrq) []byte {
	e := &encoder{}
	e.bytes(m.UniqueID[:])
	e.byte(m.Nuid)
	return e.buf
}

// UnmarshalDidrq unpacks a Didrq payload.
func UnmarshalDidrq(buf []byte) Didrq {
	d := &decoder{buf: buf}
	var m Didrq
	copy(m.UniqueID[:], d.bytes(6))
	m.Nuid = d.byte()
	return m
}

// MarshalDidrm packs a Didrm (shared by DIDRM and DIDCF) into wire form.
func MarshalDidrm(m Didrm) []byte {
	e := &encoder{}
	e.byte(m.DidLen)
	e.bytes(m.Did[:])
	e.byte(m.Subnet)
	e.byte(m.Node)
	e.byte(m.ChannelType)
	e.byte(m.DeviceCount)
	e.bytes(m.DasUniqueID[:])
	return e.buf
}

// UnmarshalDidrm unpacks a Didrm payload.
func UnmarshalDidrm(buf []byte) Didrm {
	d := &decoder{buf: buf}
	var m Didrm
	m.DidLen = d.byte()
	copy(m.Did[:], d.bytes(6))
	m.Subnet = d.byte()
	m.Node = d.byte()
	m.ChannelType = d.byte()
	m.DeviceCount = d.byte()
	copy(m.DasUniqueID[:], d.bytes(6))
	return m
}

// MarshalTimg packs a Timg into its wire form.
func MarshalTimg(m Timg) []byte {
	return []byte{m.DeviceCount, m.ChannelType}
}

// UnmarshalTimg unpacks a Timg payload.
func UnmarshalTimg(buf []byte) Timg {
	return Timg{DeviceCount: buf[0], ChannelType: buf[1]}
}

// MarshalCidOnly packs a CidOnly (CSMX/CSMC/CSME/CSMD) into wire form.
func MarshalCidOnly(m CidOnly) []byte {
	out := make([]byte, 7)
	copy(out, m.Cid[:])
	return out
}

// UnmarshalCidOnly unpacks a CidOnly payload.
func UnmarshalCidOnly(buf []byte) CidOnly {
	var m CidOnly
	copy(m.Cid[:], buf[:7])
	return m
}

// MarshalCsmi packs a Csmi into its wire form.
func MarshalCsmi(m Csmi) []byte {
	e := &encoder{}
	e.bytes(m.Cid[:])
	e.u16(m.Selector & SelectorMask)
	e.byte(m.Offset<<csmiOffsetShift | m.Count&csmiCountMask)
	return e.buf
}

// UnmarshalCsmi unpacks a Csmi payload.
func UnmarshalCsmi(buf []byte) Csmi {
	d := &decoder{buf: buf}
	var m Csmi
	copy(m.Cid[:], d.bytes(7))
	m.Selector = d.u16() & SelectorMask
	oc := d.byte()
	m.Offset = oc >> csmiOffsetShift
	m.Count = oc & csmiCountMask
	return m
}
