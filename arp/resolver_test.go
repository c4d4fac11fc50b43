package arp

import (
	"context"
	"testing"
	"time"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendARPRequest(buf []byte) error {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return nil
}

func TestResolveRequestReply(t *testing.T) {
	var r Resolver
	sender := &fakeSender{}
	deviceMAC := [6]byte{0xde, 0xad, 0xbe, 0xef, 0, 0}
	deviceIP := [4]byte{10, 0, 0, 2}
	netmask := [4]byte{255, 255, 255, 0}
	dest := [4]byte{10, 0, 0, 5}
	replyMAC := [6]byte{0x02, 0, 0, 0, 0, 0x05}

	polled := false
	poll := func() {
		if polled {
			return
		}
		polled = true
		r.HandleReply(dest, replyMAC)
	}

	var out [6]byte
	err := Resolve(context.Background(), &r, sender, poll, deviceMAC, deviceIP, netmask, [4]byte{}, dest, &out, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out != replyMAC {
		t.Fatalf("expected resolved mac %x, got %x", replyMAC, out)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one ARP request transmitted, got %d", len(sender.sent))
	}
	if !r.Idle() {
		t.Fatal("resolver should be idle after successful resolution")
	}
}

func TestResolveViaGateway(t *testing.T) {
	var r Resolver
	sender := &fakeSender{}
	deviceMAC := [6]byte{0xde, 0xad, 0xbe, 0xef, 0, 0}
	deviceIP := [4]byte{10, 0, 0, 2}
	netmask := [4]byte{255, 255, 255, 0}
	gateway := [4]byte{10, 0, 0, 1}
	dest := [4]byte{192, 168, 1, 9}
	gatewayMAC := [6]byte{1, 1, 1, 1, 1, 1}

	poll := func() {
		if !r.Idle() {
			r.HandleReply(gateway, gatewayMAC)
		}
	}

	var out [6]byte
	err := Resolve(context.Background(), &r, sender, poll, deviceMAC, deviceIP, netmask, gateway, dest, &out, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out != gatewayMAC {
		t.Fatalf("expected gateway mac %x, got %x", gatewayMAC, out)
	}
	afrm, err := NewFrame(sender.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	_, targetIP := afrm.Target4()
	if *targetIP != gateway {
		t.Fatalf("expected ARP request target %v, got %v", gateway, *targetIP)
	}
}

func TestResolveTimeout(t *testing.T) {
	var r Resolver
	sender := &fakeSender{}
	deviceMAC := [6]byte{1, 2, 3, 4, 5, 6}
	deviceIP := [4]byte{10, 0, 0, 2}
	netmask := [4]byte{255, 255, 255, 0}
	dest := [4]byte{10, 0, 0, 5}

	poll := func() {} // never answers

	var out [6]byte
	err := Resolve(context.Background(), &r, sender, poll, deviceMAC, deviceIP, netmask, [4]byte{}, dest, &out, 1, time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !r.Idle() {
		t.Fatal("resolver should return to idle after timeout")
	}
}

func TestResolveInterrupted(t *testing.T) {
	var r Resolver
	sender := &fakeSender{}
	deviceMAC := [6]byte{1, 2, 3, 4, 5, 6}
	deviceIP := [4]byte{10, 0, 0, 2}
	netmask := [4]byte{255, 255, 255, 0}
	dest := [4]byte{10, 0, 0, 5}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	poll := func() {}

	var out [6]byte
	err := Resolve(ctx, &r, sender, poll, deviceMAC, deviceIP, netmask, [4]byte{}, dest, &out, 5, time.Second)
	if err == nil {
		t.Fatal("expected interrupted error")
	}
}
