package ethernet

import "strconv"

// String returns a human-readable name for the EtherType. Only the two
// values this stack ever sends or accepts are named; anything else prints
// as its numeric form, since it should never reach the wire here.
func (i Type) String() string {
	switch i {
	case TypeIPv4:
		return "IPv4"
	case TypeARP:
		return "ARP"
	}
	return "Type(" + strconv.FormatInt(int64(i), 10) + ")"
}
