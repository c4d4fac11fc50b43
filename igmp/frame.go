// Package igmp implements the IGMPv1-ish membership messages this stack
// needs to defend group membership: the 8-byte query/report frame and the
// multicast MAC derivation used to join a group at the Ethernet layer.
package igmp

import (
	"encoding/binary"
	"errors"

	netcore "github.com/cleitner/barebox-mcast"
)

// sizeHeader is the fixed size of an IGMPv1 message: type, unused, checksum, group address.
const sizeHeader = 8

// Type is the IGMP message type. Only the v1 query and report are modeled;
// the upper nibble 0x1 distinguishes IGMP membership messages from other
// message families that share the same protocol number in later versions.
type Type uint8

const (
	TypeMembershipQuery  Type = 0x11
	TypeMembershipReport Type = 0x12
)

var errShortFrame = errors.New("igmp: short frame")

// NewFrame returns a Frame with data set to buf. An error is returned if the
// buffer is smaller than the fixed 8-byte message.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf[:sizeHeader]}, nil
}

// Frame encapsulates the raw data of an IGMPv1 message.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

// IsMembershipMessage reports whether the upper nibble of the type field is
// 0x1, the family this stack understands. IGMPv2 reports (0x16) and leave
// messages (0x17) share that nibble and also pass; IGMPv3 reports (0x22)
// do not.
func (frm Frame) IsMembershipMessage() bool { return frm.buf[0]&0xf0 == 0x10 }

func (frm Frame) SetUnused() { frm.buf[1] = 0 }

// CRC returns the checksum field.
func (frm Frame) CRC() uint16 { return binary.BigEndian.Uint16(frm.buf[2:4]) }

// SetCRC sets the checksum field.
func (frm Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(frm.buf[2:4], crc) }

// GroupAddr returns the multicast group address this message concerns.
func (frm Frame) GroupAddr() *[4]byte { return (*[4]byte)(frm.buf[4:8]) }

// ClearHeader zeros out the fixed header contents.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:sizeHeader] {
		frm.buf[i] = 0
	}
}

// CalculateChecksum computes the IGMP checksum over the whole 8-byte
// message, treating the checksum field itself as zero.
func (frm Frame) CalculateChecksum() uint16 {
	var crc netcore.CRC791
	crc.AddUint16(binary.BigEndian.Uint16(frm.buf[0:2]))
	crc.AddUint16(0) // checksum field, zeroed for computation
	crc.Write(frm.buf[4:8])
	return crc.Sum16()
}

// ValidateSize checks the frame has at least the fixed header length.
func (frm Frame) ValidateSize(v *netcore.Validator) {
	if len(frm.buf) < sizeHeader {
		v.AddError(errShortFrame)
	}
}

// IsMulticast reports whether ip is in the 224.0.0.0/4 multicast range.
func IsMulticast(ip [4]byte) bool { return ip[0]&0xf0 == 0xe0 }

// AllHostsGroup is the all-hosts multicast address 224.0.0.1, the
// destination every membership query targets.
var AllHostsGroup = [4]byte{224, 0, 0, 1}

// MulticastMAC derives the Ethernet multicast address for ip by copying the
// low 23 bits of the IPv4 multicast address into 01:00:5e:xx:xx:xx, per RFC
// 1112.
func MulticastMAC(ip [4]byte) [6]byte {
	return [6]byte{
		0x01, 0x00, 0x5e,
		ip[1] & 0x7f,
		ip[2],
		ip[3],
	}
}
