package igmp

import "testing"

func TestMulticastMAC(t *testing.T) {
	mac := MulticastMAC([4]byte{239, 1, 1, 1})
	want := [6]byte{0x01, 0x00, 0x5e, 0x01, 0x01, 0x01}
	if mac != want {
		t.Fatalf("expected %x, got %x", want, mac)
	}
}

func TestMulticastMACClearsHighBit(t *testing.T) {
	mac := MulticastMAC([4]byte{239, 0xff, 2, 3})
	if mac[3] != 0x7f {
		t.Fatalf("expected high bit of third octet cleared, got 0x%x", mac[3])
	}
}

func TestIsMembershipMessage(t *testing.T) {
	var buf [sizeHeader]byte
	frm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	frm.SetType(TypeMembershipQuery)
	if !frm.IsMembershipMessage() {
		t.Fatal("expected query to be recognized as a membership message")
	}
	frm.SetType(0x22)
	if frm.IsMembershipMessage() {
		t.Fatal("type 0x22 should not be recognized as IGMPv1 membership message")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	var buf [sizeHeader]byte
	frm, _ := NewFrame(buf[:])
	frm.ClearHeader()
	frm.SetType(TypeMembershipReport)
	frm.SetUnused()
	group := [4]byte{239, 1, 1, 1}
	*frm.GroupAddr() = group
	crc := frm.CalculateChecksum()
	frm.SetCRC(crc)
	if *frm.GroupAddr() != group {
		t.Fatalf("group address clobbered: %v", *frm.GroupAddr())
	}
	if got := frm.CalculateChecksum(); got != frm.CRC() {
		t.Fatalf("recomputed checksum 0x%x does not match stored 0x%x", got, frm.CRC())
	}
}

func TestIsMulticast(t *testing.T) {
	cases := []struct {
		ip   [4]byte
		want bool
	}{
		{[4]byte{239, 1, 1, 1}, true},
		{[4]byte{224, 0, 0, 1}, true},
		{[4]byte{10, 0, 0, 1}, false},
		{[4]byte{192, 168, 1, 1}, false},
	}
	for _, c := range cases {
		if got := IsMulticast(c.ip); got != c.want {
			t.Errorf("IsMulticast(%v) = %v, want %v", c.ip, got, c.want)
		}
	}
}
