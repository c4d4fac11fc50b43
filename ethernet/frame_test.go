package ethernet

import (
	"testing"

	netcore "github.com/cleitner/barebox-mcast"
)

func TestFrameRoundTrip(t *testing.T) {
	buf := make([]byte, 14+4)
	efrm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	efrm.ClearHeader()
	*efrm.SourceHardwareAddr() = [6]byte{1, 2, 3, 4, 5, 6}
	*efrm.DestinationHardwareAddr() = BroadcastAddr()
	efrm.SetEtherType(TypeIPv4)

	var v netcore.Validator
	efrm.ValidateSize(&v)
	if v.HasError() {
		t.Fatalf("unexpected validation error: %s", v.ErrPop())
	}
	if efrm.EtherTypeOrSize() != TypeIPv4 {
		t.Fatalf("expected TypeIPv4, got %v", efrm.EtherTypeOrSize())
	}
	if efrm.HeaderLength() != 14 {
		t.Fatalf("expected fixed 14-byte header, got %d", efrm.HeaderLength())
	}
	if len(efrm.Payload()) != 4 {
		t.Fatalf("expected 4 byte payload, got %d", len(efrm.Payload()))
	}
}

func TestFrameValidateSizeTooShort(t *testing.T) {
	buf := make([]byte, 13)
	_, err := NewFrame(buf)
	if err == nil {
		t.Fatal("expected error constructing undersized ethernet frame")
	}
}

func TestFrameValidateSizePayloadTooShort(t *testing.T) {
	buf := make([]byte, 14)
	efrm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	// EtherTypeOrSize encodes a claimed payload size larger than the
	// buffer actually holds.
	efrm.SetEtherType(Type(100))

	var v netcore.Validator
	efrm.ValidateSize(&v)
	if !v.HasError() {
		t.Fatal("expected validation error for undersized payload")
	}
}
