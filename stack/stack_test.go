package stack

import (
	"context"
	"testing"
	"time"

	"github.com/cleitner/barebox-mcast/arp"
	"github.com/cleitner/barebox-mcast/ethernet"
	"github.com/cleitner/barebox-mcast/icmp"
	"github.com/cleitner/barebox-mcast/igmp"
	"github.com/cleitner/barebox-mcast/ipv4"
)

type fakeDevice struct {
	mac          [6]byte
	ip, mask, gw [4]byte
	sent         [][]byte
	inbox        [][]byte
	failNextSend bool
}

func (d *fakeDevice) Send(frame []byte) error {
	if d.failNextSend {
		d.failNextSend = false
		return errSendFailed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.sent = append(d.sent, cp)
	return nil
}

func (d *fakeDevice) Receive(deliver func(frame []byte)) {
	for _, pkt := range d.inbox {
		deliver(pkt)
	}
	d.inbox = nil
}

func (d *fakeDevice) HardwareAddr() [6]byte          { return d.mac }
func (d *fakeDevice) SetHardwareAddr(mac [6]byte)    { d.mac = mac }
func (d *fakeDevice) IPv4() (addr, netmask, gateway [4]byte) {
	return d.ip, d.mask, d.gw
}

type sendError string

func (e sendError) Error() string { return string(e) }

const errSendFailed = sendError("send failed")

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		mac:  [6]byte{0x02, 1, 2, 3, 4, 5},
		ip:   [4]byte{10, 0, 0, 2},
		mask: [4]byte{255, 255, 255, 0},
	}
}

func buildARPReply(senderMAC [6]byte, senderIP [4]byte, targetMAC [6]byte, targetIP [4]byte) []byte {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = senderMAC
	*efrm.DestinationHardwareAddr() = targetMAC
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(buf[14:])
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpReply)
	sHW, sIP := afrm.Sender4()
	*sHW = senderMAC
	*sIP = senderIP
	tHW, tIP := afrm.Target4()
	*tHW = targetMAC
	*tIP = targetIP
	return buf
}

// TestResolveViaStackPoll exercises Resolve in the single-threaded
// cooperative style the stack is built for: the peer's reply is queued on
// the fake device before Resolve runs, so the first Poll inside Resolve's
// loop delivers it without needing a second goroutine.
func TestResolveViaStackPoll(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	peerMAC := [6]byte{0xaa, 1, 1, 1, 1, 1}
	peerIP := [4]byte{10, 0, 0, 9}
	dev.inbox = append(dev.inbox, buildARPReply(peerMAC, peerIP, dev.mac, dev.ip))

	var mac [6]byte
	if err := s.Resolve(context.Background(), peerIP, &mac); err != nil {
		t.Fatal(err)
	}
	if mac != peerMAC {
		t.Fatalf("expected resolved MAC %x, got %x", peerMAC, mac)
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected one ARP request sent, got %d", len(dev.sent))
	}
}

func TestReceiveARPRequestReplies(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	requesterMAC := [6]byte{0xbb, 1, 1, 1, 1, 1}
	requesterIP := [4]byte{10, 0, 0, 50}

	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = requesterMAC
	*efrm.DestinationHardwareAddr() = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	efrm.SetEtherType(ethernet.TypeARP)
	afrm, _ := arp.NewFrame(buf[14:])
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	sHW, sIP := afrm.Sender4()
	*sHW = requesterMAC
	*sIP = requesterIP
	_, tIP := afrm.Target4()
	*tIP = dev.ip

	s.Receive(buf)

	if len(dev.sent) != 1 {
		t.Fatalf("expected one ARP reply sent, got %d", len(dev.sent))
	}
	reply, _ := ethernet.NewFrame(dev.sent[0])
	if reply.EtherTypeOrSize() != ethernet.TypeARP {
		t.Fatal("expected ARP reply frame")
	}
	replyARP, _ := arp.NewFrame(reply.Payload())
	if replyARP.Operation() != arp.OpReply {
		t.Fatal("expected operation reply")
	}
}

func TestReceiveICMPEchoReplies(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	requesterMAC := [6]byte{0xcc, 1, 1, 1, 1, 1}
	requesterIP := [4]byte{10, 0, 0, 77}

	buf := make([]byte, 14+20+8+4)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = requesterMAC
	*efrm.DestinationHardwareAddr() = dev.mac
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetFlags(0x4000)
	ifrm.SetProtocol(3) // placeholder, replaced below with real constant
	ifrm.SetTotalLength(20 + 8 + 4)
	*ifrm.SourceAddr() = requesterIP
	*ifrm.DestinationAddr() = dev.ip

	frm, _ := icmp.NewFrame(buf[14+20:])
	frm.SetType(icmp.TypeEcho)
	frm.SetCode(0)
	echo := icmp.FrameEcho{Frame: frm}
	echo.SetIdentifier(1)
	echo.SetSequenceNumber(1)
	copy(echo.Data(), []byte{1, 2, 3, 4})
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateChecksum())

	ifrm.SetProtocol(1) // ICMP
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	s.Receive(buf)

	if len(dev.sent) != 1 {
		t.Fatalf("expected one ICMP echo reply, got %d", len(dev.sent))
	}
	replyEth, _ := ethernet.NewFrame(dev.sent[0])
	replyIP, _ := ipv4.NewFrame(replyEth.Payload())
	replyICMP, _ := icmp.NewFrame(replyIP.Payload())
	if replyICMP.Type() != icmp.TypeEchoReply {
		t.Fatalf("expected echo reply type, got %v", replyICMP.Type())
	}
	if *replyIP.DestinationAddr() != requesterIP {
		t.Fatal("expected reply addressed back to requester")
	}
}

func TestNewUDPBroadcastAndSend(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	var received []byte
	c, err := s.NewUDP(context.Background(), [4]byte{255, 255, 255, 255}, 0, 69, func(ctx any, pkt []byte) {
		received = append([]byte{}, pkt...)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.DestMAC() != ([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Fatal("expected broadcast MAC")
	}

	payload := []byte("hello")
	if err := s.Send(c, payload); err != nil {
		t.Fatal(err)
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected one frame sent, got %d", len(dev.sent))
	}

	_ = received
}

func TestIGMPQueryArmsDefendTimer(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	group := [4]byte{239, 1, 1, 1}
	groupMAC := igmp.MulticastMAC(group)
	c, err := s.NewUDP(context.Background(), group, 1234, 1234, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.IGMPReportTimeoutNanos = 0 // clear the join-report timer armed at construction

	buf := make([]byte, 14+20+8)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = [6]byte{9, 9, 9, 9, 9, 9}
	*efrm.DestinationHardwareAddr() = groupMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(1)
	ifrm.SetFlags(0x4000)
	ifrm.SetProtocol(2) // IGMP
	ifrm.SetTotalLength(20 + 8)
	*ifrm.SourceAddr() = [4]byte{10, 0, 0, 1}
	*ifrm.DestinationAddr() = igmp.AllHostsGroup

	frm, _ := igmp.NewFrame(buf[14+20:])
	frm.ClearHeader()
	frm.SetType(igmp.TypeMembershipQuery)
	frm.SetUnused()
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateChecksum())

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	s.Receive(buf)

	if c.IGMPReportTimeoutNanos == 0 {
		t.Fatal("expected IGMP defend timer to be armed after query")
	}

	s.serviceIGMPTimers(time.Unix(0, c.IGMPReportTimeoutNanos+1))
	if c.IGMPReportTimeoutNanos != 0 {
		t.Fatal("expected timer cleared after servicing")
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected one IGMP report sent, got %d", len(dev.sent))
	}
}

func TestIGMPReportSuppressesDefendTimer(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	group := [4]byte{239, 1, 1, 1}
	c, err := s.NewUDP(context.Background(), group, 1234, 1234, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.IGMPReportTimeoutNanos = time.Now().Add(time.Second).UnixNano()

	buf := make([]byte, 14+20+8)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = [6]byte{9, 9, 9, 9, 9, 9}
	*efrm.DestinationHardwareAddr() = igmp.MulticastMAC(group)
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(1)
	ifrm.SetProtocol(2) // IGMP
	ifrm.SetTotalLength(20 + 8)
	*ifrm.SourceAddr() = [4]byte{10, 0, 0, 5}
	*ifrm.DestinationAddr() = group

	frm, _ := igmp.NewFrame(buf[14+20:])
	frm.ClearHeader()
	frm.SetType(igmp.TypeMembershipReport)
	frm.SetUnused()
	*frm.GroupAddr() = group
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateChecksum())

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	s.Receive(buf)

	if c.IGMPReportTimeoutNanos != 0 {
		t.Fatal("expected a peer's report to suppress our own pending defend timer")
	}
}

func TestReceiveDropsMulticastWithoutLocalMember(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	group := [4]byte{239, 9, 9, 9} // no connection registered for this group
	var received bool
	_, err := s.NewUDP(context.Background(), [4]byte{239, 1, 1, 1}, 1234, 1234, func(ctx any, pkt []byte) {
		received = true
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 14+20+8+5)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = [6]byte{9, 9, 9, 9, 9, 9}
	*efrm.DestinationHardwareAddr() = igmp.MulticastMAC(group)
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(17) // UDP
	ifrm.SetTotalLength(20 + 8 + 5)
	*ifrm.SourceAddr() = [4]byte{10, 0, 0, 5}
	*ifrm.DestinationAddr() = group
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	s.Receive(buf)

	if received {
		t.Fatal("expected multicast frame for a non-member group to be dropped")
	}
}

func TestReceiveDropsFragmentedFrame(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)

	buf := make([]byte, 14+20+8+4)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = [6]byte{9, 9, 9, 9, 9, 9}
	*efrm.DestinationHardwareAddr() = dev.mac
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTTL(64)
	ifrm.SetFlags(0x0001) // fragment offset = 1
	ifrm.SetProtocol(1)   // ICMP
	ifrm.SetTotalLength(20 + 8 + 4)
	*ifrm.SourceAddr() = [4]byte{10, 0, 0, 77}
	*ifrm.DestinationAddr() = dev.ip

	frm, _ := icmp.NewFrame(buf[14+20:])
	frm.SetType(icmp.TypeEcho)
	frm.SetCode(0)
	echo := icmp.FrameEcho{Frame: frm}
	echo.SetIdentifier(1)
	echo.SetSequenceNumber(1)
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateChecksum())

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	s.Receive(buf)

	if len(dev.sent) != 0 {
		t.Fatalf("expected fragmented frame to be dropped without a reply, got %d sends", len(dev.sent))
	}
}

func TestUnregisterRemovesConnection(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)
	c, err := s.NewUDP(context.Background(), [4]byte{255, 255, 255, 255}, 0, 69, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.registry.Len() != 1 {
		t.Fatal("expected connection registered")
	}
	s.Unregister(c)
	if s.registry.Len() != 0 {
		t.Fatal("expected connection unregistered")
	}
}

func TestSendPropagatesDeviceFailure(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, nil, nil)
	c, err := s.NewUDP(context.Background(), [4]byte{255, 255, 255, 255}, 0, 69, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev.failNextSend = true
	if err := s.Send(c, []byte("x")); err == nil {
		t.Fatal("expected send failure to propagate")
	}
}
