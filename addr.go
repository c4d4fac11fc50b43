package netcore

import (
	"strconv"
	"strings"

	"github.com/cleitner/barebox-mcast/internal"
)

// ParseIPv4 parses a dotted-quad string into 4 bytes in network order.
// It mirrors the original stack's string_to_ip: each octet must be a
// decimal number in [0,255] and there must be exactly four of them.
func ParseIPv4(s string) (addr [4]byte, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return addr, NewError("ParseIPv4", KindInvalidArgument, nil)
	}
	for i, p := range parts {
		if p == "" {
			return [4]byte{}, NewError("ParseIPv4", KindInvalidArgument, nil)
		}
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil || v > 255 {
			return [4]byte{}, NewError("ParseIPv4", KindInvalidArgument, nil)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}

// FormatIPv4 renders addr as a dotted-quad string.
func FormatIPv4(addr [4]byte) string {
	var b strings.Builder
	for i, v := range addr {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	return b.String()
}

// ParseMAC parses a colon-separated hardware address, e.g. "aa:bb:cc:dd:ee:ff".
// It mirrors string_to_ethaddr: exactly 17 characters, colons at the fixed
// positions, and each of the 6 groups a two-digit hex byte.
func ParseMAC(s string) (mac [6]byte, err error) {
	if len(s) != 17 {
		return mac, NewError("ParseMAC", KindInvalidArgument, nil)
	}
	for _, i := range [5]int{2, 5, 8, 11, 14} {
		if s[i] != ':' {
			return [6]byte{}, NewError("ParseMAC", KindInvalidArgument, nil)
		}
	}
	for i := 0; i < 6; i++ {
		group := s[i*3 : i*3+2]
		v, err := strconv.ParseUint(group, 16, 8)
		if err != nil {
			return [6]byte{}, NewError("ParseMAC", KindInvalidArgument, nil)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

// FormatMAC renders mac as a colon-separated hex string.
func FormatMAC(mac [6]byte) string {
	const hexdigits = "0123456789abcdef"
	var buf [17]byte
	for i, b := range mac {
		buf[i*3] = hexdigits[b>>4]
		buf[i*3+1] = hexdigits[b&0xf]
		if i != 5 {
			buf[i*3+2] = ':'
		}
	}
	return string(buf[:])
}

// RandomLocalMAC derives a locally-administered, unicast MAC address from
// seed, for devices that boot with no burned-in hardware address. The
// locally-administered bit (0x02) is set and the multicast bit (0x01) is
// cleared on the first octet, matching the original stack's random_ether_addr.
func RandomLocalMAC(seed uint32) [6]byte {
	var mac [6]byte
	s := seed
	for i := 0; i < 6; i++ {
		s = internal.Prand32(s)
		mac[i] = byte(s)
	}
	mac[0] &^= 0x01
	mac[0] |= 0x02
	return mac
}
