// Package icmp implements the ICMPv4 wire format: echo request/reply and
// destination-unreachable messages. The network core uses it to answer
// echo requests; it never sends destination-unreachable messages itself.
package icmp

import (
	"encoding/binary"
	"errors"

	netcore "github.com/cleitner/barebox-mcast"
)

// sizeHeader is the fixed 8-byte ICMP header: type, code, checksum, and a
// 4-byte type-specific field (identifier+sequence for echo, unused for
// destination-unreachable).
const sizeHeader = 8

// Type is the ICMP message type field. See RFC 792.
type Type uint8

const (
	TypeEchoReply Type = 0 // echo reply
	TypeEcho      Type = 8 // echo

	TypeDestinationUnreachable Type = 3  // destination unreachable
	TypeSourceQuench           Type = 4  // source quench
	TypeRedirect               Type = 5  // redirect
	TypeTimeExceeded           Type = 11 // time exceeded
	TypeParameterProblem       Type = 12 // parameter problem
)

// CodeDestinationUnreachable is the code field for a TypeDestinationUnreachable message.
type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable      CodeDestinationUnreachable = iota // net unreachable
	CodeHostUnreachable                                       // host unreachable
	CodeProtoUnreachable                                      // protocol unreachable
	CodePortUnreachable                                       // port unreachable
	CodeFragNeededAndDFSet                                    // fragmentation needed and DF set
	CodeSourceRouteFailed                                     // source route failed
)

var errShortFrame = errors.New("icmp: short frame")

// NewFrame returns a Frame with data set to buf. An error is returned if the
// buffer is smaller than the fixed 8-byte header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an ICMPv4 message.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

// CRC returns the checksum field of the frame.
func (frm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(frm.buf[2:4])
}

// SetCRC sets the checksum field of the frame.
func (frm Frame) SetCRC(crc uint16) {
	binary.BigEndian.PutUint16(frm.buf[2:4], crc)
}

// CalculateChecksum computes the ICMP checksum over the type/code fields and
// the rest of the message, treating the checksum field itself as zero per
// RFC 792.
func (frm Frame) CalculateChecksum() uint16 {
	var crc netcore.CRC791
	crc.AddUint16(binary.BigEndian.Uint16(frm.buf[0:2]))
	return crc.PayloadSum16(frm.buf[4:])
}

// ClearHeader zeros out the fixed header contents.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:sizeHeader] {
		frm.buf[i] = 0
	}
}

// ValidateSize checks the frame has at least the fixed header length.
func (frm Frame) ValidateSize(v *netcore.Validator) {
	if len(frm.buf) < sizeHeader {
		v.AddError(errShortFrame)
	}
}

// FrameDestinationUnreachable is a Frame view for destination-unreachable messages.
type FrameDestinationUnreachable struct {
	Frame
}

func (frm FrameDestinationUnreachable) Code() CodeDestinationUnreachable {
	return CodeDestinationUnreachable(frm.Frame.Code())
}

func (frm FrameDestinationUnreachable) SetCode(code CodeDestinationUnreachable) {
	frm.Frame.SetCode(uint8(code))
}

// Payload returns the portion of the original datagram echoed back to the sender.
func (frm FrameDestinationUnreachable) Payload() []byte {
	return frm.buf[sizeHeader:]
}

// FrameEcho is a Frame view for echo request/reply messages.
type FrameEcho struct {
	Frame
}

func (frm FrameEcho) Identifier() uint16 {
	return binary.BigEndian.Uint16(frm.buf[4:6])
}

func (frm FrameEcho) SetIdentifier(id uint16) {
	binary.BigEndian.PutUint16(frm.buf[4:6], id)
}

func (frm FrameEcho) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(frm.buf[6:8])
}

func (frm FrameEcho) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(frm.buf[6:8], seq)
}

func (frm FrameEcho) Data() []byte {
	return frm.buf[sizeHeader:]
}
