package arp

import (
	"testing"

	netcore "github.com/cleitner/barebox-mcast"
	"github.com/cleitner/barebox-mcast/ethernet"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf [sizeHeaderv4]byte
	afrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)

	senderHW, senderIP := afrm.Sender4()
	*senderHW = [6]byte{0xde, 0xad, 0xbe, 0xef, 0, 0}
	*senderIP = [4]byte{192, 168, 1, 1}
	targetIP := [4]byte{192, 168, 1, 2}
	_, gotTargetIP := afrm.Target4()
	*gotTargetIP = targetIP

	validateFrame(t, buf[:])

	if afrm.Operation() != OpRequest {
		t.Fatalf("expected OpRequest, got %v", afrm.Operation())
	}
	htype, hlen := afrm.Hardware()
	if htype != 1 || hlen != 6 {
		t.Fatalf("unexpected hardware fields: %d %d", htype, hlen)
	}
	ptype, plen := afrm.Protocol()
	if ptype != ethernet.TypeIPv4 || plen != 4 {
		t.Fatalf("unexpected protocol fields: %v %d", ptype, plen)
	}
}

func TestFrameValidateSizeTooShort(t *testing.T) {
	buf := make([]byte, sizeHeaderv4-1)
	_, err := NewFrame(buf)
	if err == nil {
		t.Fatal("expected error constructing undersized ARP frame")
	}
}

func validateFrame(t *testing.T, buf []byte) {
	t.Helper()
	afrm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	var vld netcore.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		t.Fatalf("invalid arp frame: %s", vld.ErrPop())
	}
}
