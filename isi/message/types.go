// Package message implements the ISI wire codec (spec.md §4.5, §6): a
// fixed table of message lengths, an approval gate, and pack/unpack for
// each of the 17 ISI message codes. The style — typed structs, a cursor
// based encode/decode pair, and doc comments that cite the governing
// clause — follows github.com/rob-gra/go-iecp5's asdu package.
package message

import "fmt"

// Code is the one-byte ISI message code carried as the first byte of an
// isi application-code payload (spec.md §6).
type Code uint8

const (
	CodeDrum Code = iota
	CodeDrumEx
	CodeCsmo
	CodeCsmoEx
	CodeCsma
	CodeCsmaEx
	CodeCsmr
	CodeCsmrEx
	CodeDidrq
	CodeDidrm
	CodeDidcf
	CodeTimg
	CodeCsmx
	CodeCsmc
	CodeCsme
	CodeCsmd
	CodeCsmi

	codeCount // sentinel: number of defined codes
)

// protocolVersionMask isolates the protocol-version bits that spec.md
// §4.5 requires to be zero in any code byte we approve.
const protocolVersionMask = 0xE0

func (c Code) String() string {
	switch c {
	case CodeDrum:
		return "DRUM"
	case CodeDrumEx:
		return "DRUMEX"
	case CodeCsmo:
		return "CSMO"
	case CodeCsmoEx:
		return "CSMOEX"
	case CodeCsma:
		return "CSMA"
	case CodeCsmaEx:
		return "CSMAEX"
	case CodeCsmr:
		return "CSMR"
	case CodeCsmrEx:
		return "CSMREX"
	case CodeDidrq:
		return "DIDRQ"
	case CodeDidrm:
		return "DIDRM"
	case CodeDidcf:
		return "DIDCF"
	case CodeTimg:
		return "TIMG"
	case CodeCsmx:
		return "CSMX"
	case CodeCsmc:
		return "CSMC"
	case CodeCsme:
		return "CSME"
	case CodeCsmd:
		return "CSMD"
	case CodeCsmi:
		return "CSMI"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// Cid is the 7-byte connection identifier (6-byte unique id + 1-byte
// serial) as it appears on the wire.
type Cid [7]byte

// Csmo carries the CSMO/CSMOEX/CSMA/CSMAEX/CSMR/CSMREX payload: all six
// codes share this shape (spec.md §6), differing only in the semantics
// the enrollment state machine attaches to them.
type Csmo struct {
	Cid      Cid
	Selector uint16 // 14 bits used
	Group    byte
	NvType   byte
	Width    byte
	// Flags packs ack/poll/scope/dir per spec.md §6; see FlagXxx consts.
	Flags byte

	// Extended fields, present only on the *EX variants.
	Extended    bool
	DeviceClass [2]byte
	Usage       byte
}

// Flags bits within Csmo.Flags.
const (
	FlagAck = 1 << iota
	FlagPoll
	FlagScope
	FlagDirOutput
)

// Drum carries the DRUM/DRUMEX payload (spec.md §6).
type Drum struct {
	DidLen      byte
	Did         [6]byte
	Subnet      byte
	Node        byte
	UniqueID    [6]byte
	Nuid        byte
	ChannelType byte

	Extended    bool
	DeviceClass [2]byte
	Usage       byte
}

// Didrq carries the DIDRQ payload (spec.md §6).
type Didrq struct {
	UniqueID [6]byte
	Nuid     byte
}

// Didrm carries the DIDRM/DIDCF payload — identical shape, different
// message codes (spec.md §6).
type Didrm struct {
	DidLen      byte
	Did         [6]byte
	Subnet      byte
	Node        byte
	ChannelType byte
	DeviceCount byte
	DasUniqueID [6]byte
}

// Timg carries the TIMG payload (spec.md §6).
type Timg struct {
	DeviceCount byte
	ChannelType byte
}

// CidOnly carries the CSMX/CSMC/CSME/CSMD payload: just a Cid.
type CidOnly struct {
	Cid Cid
}

// Csmi carries the CSMI payload (spec.md §6).
type Csmi struct {
	Cid      Cid
	Selector uint16
	// Offset (the affected record's offset) and Count (a 0-based
	// selector count) share one byte on the wire, per the original's
	// CsmiOffset / CsmiCount bitfield (original_source RcvCsmi.c): Offset
	// in the upper six bits, Count in the lower two.
	Offset byte
	Count  byte
}

// Bit layout of the shared CSMI offset/count byte.
const (
	csmiOffsetShift = 2
	csmiCountMask   = 0x03
)
