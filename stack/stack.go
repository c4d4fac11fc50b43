// Package stack is the network core itself: a single struct that owns the
// device, the ARP resolver, the connection registry, and the small set of
// monotonic counters (IP identification, ephemeral ports) the original
// implementation kept as file-scope globals. Everything else in this module
// (ethernet, arp, ipv4, icmp, igmp, udp, conn) is stateless frame plumbing;
// Stack is where the plumbing becomes a running protocol stack.
package stack

import (
	"context"
	"log/slog"
	"time"

	netcore "github.com/cleitner/barebox-mcast"
	"github.com/cleitner/barebox-mcast/arp"
	"github.com/cleitner/barebox-mcast/conn"
	"github.com/cleitner/barebox-mcast/device"
	"github.com/cleitner/barebox-mcast/ethernet"
	"github.com/cleitner/barebox-mcast/icmp"
	"github.com/cleitner/barebox-mcast/igmp"
	"github.com/cleitner/barebox-mcast/internal"
	"github.com/cleitner/barebox-mcast/ipv4"
	"github.com/cleitner/barebox-mcast/udp"
)

// firstEphemeralPort mirrors the original's starting ephemeral UDP port;
// the counter wraps back to this value rather than descending into the
// well-known/registered range.
const firstEphemeralPort = 1024

// maxUDPPayload bounds the transmit buffer allocated per connection to a
// single unfragmented Ethernet-MTU IPv4 datagram's worth of UDP payload.
const maxUDPPayload = 1472

// Stack is the single owner of all network-core state for one device. The
// zero value is not usable; build one with New.
type Stack struct {
	dev  device.Device
	pool *device.PacketPool
	log  *slog.Logger

	resolver arp.Resolver
	registry conn.Registry

	ipID      uint16
	nextPort  uint16
	igmpSeed  uint32
	scratchTX []byte // reusable buffer for IGMP reports and ARP requests
}

// New builds a Stack around dev. pool may be nil if the device manages its
// own receive buffers; log may be nil to discard log output.
func New(dev device.Device, pool *device.PacketPool, log *slog.Logger) *Stack {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Stack{
		dev:       dev,
		pool:      pool,
		log:       log,
		nextPort:  firstEphemeralPort,
		igmpSeed:  0x9e3779b9,
		scratchTX: make([]byte, 14+28), // Ethernet + ARPv4, the largest control-plane frame
	}
}

// nextIPID returns the next IPv4 identification value, wrapping at 16 bits.
func (s *Stack) nextIPID() uint16 {
	s.ipID++
	return s.ipID
}

// nextEphemeralPort returns the next source port for a new UDP connection,
// wrapping back to firstEphemeralPort once it overflows.
func (s *Stack) nextEphemeralPort() uint16 {
	p := s.nextPort
	s.nextPort++
	if s.nextPort < firstEphemeralPort {
		s.nextPort = firstEphemeralPort
	}
	return p
}

// Poll drives one iteration of the core: due IGMP membership reports are
// emitted first, then any frames the device has queued are delivered to
// Receive. This mirrors the original net_poll's ordering guarantee that
// timer work is serviced before packet delivery on every call.
func (s *Stack) Poll(now time.Time) {
	s.serviceIGMPTimers(now)
	s.dev.Receive(s.Receive)
}

// Receive is the receive demultiplexer: it classifies an inbound frame by
// EtherType and dispatches to the ARP or IPv4 handler. pkt is only valid for
// the duration of the call.
func (s *Stack) Receive(pkt []byte) {
	efrm, err := ethernet.NewFrame(pkt)
	if err != nil {
		return
	}
	var v netcore.Validator
	efrm.ValidateSize(&v)
	if v.HasError() {
		return
	}
	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		s.receiveARP(efrm)
	case ethernet.TypeIPv4:
		s.receiveIPv4(efrm)
	}
}

func (s *Stack) receiveARP(efrm ethernet.Frame) {
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	var v netcore.Validator
	afrm.ValidateSize(&v)
	if v.HasError() {
		return
	}
	senderHW, senderProto := afrm.Sender4()
	switch afrm.Operation() {
	case arp.OpReply:
		s.resolver.HandleReply(*senderProto, *senderHW)
	case arp.OpRequest:
		_, targetProto := afrm.Target4()
		deviceIP, _, _ := s.dev.IPv4()
		if *targetProto == deviceIP && deviceIP != ([4]byte{}) {
			s.replyARP(afrm, *senderHW, *senderProto)
		}
	}
}

// replyARP answers an inbound ARP request. The reply is composed in a fresh
// local buffer rather than the receive buffer, with our own addresses as
// sender and the requester's as target, and sent back to the requester.
func (s *Stack) replyARP(afrm arp.Frame, requesterMAC [6]byte, requesterIP [4]byte) {
	deviceIP, _, _ := s.dev.IPv4()
	deviceMAC := s.dev.HardwareAddr()

	var buf [14 + 28]byte
	reply, err := arp.NewFrame(buf[14:])
	if err != nil {
		return
	}
	reply.ClearHeader()
	reply.SetHardware(1, 6)
	reply.SetProtocol(ethernet.TypeIPv4, 4)
	reply.SetOperation(arp.OpReply)
	senderHW, senderProto := reply.Sender4()
	*senderHW = deviceMAC
	*senderProto = deviceIP
	targetHW, targetProto := reply.Target4()
	*targetHW = requesterMAC
	*targetProto = requesterIP

	efrm, err := ethernet.NewFrame(buf[:])
	if err != nil {
		return
	}
	*efrm.DestinationHardwareAddr() = requesterMAC
	*efrm.SourceHardwareAddr() = deviceMAC
	efrm.SetEtherType(ethernet.TypeARP)

	if err := s.dev.Send(buf[:]); err != nil {
		s.log.Warn("arp reply send failed", "err", err)
	}
}

func (s *Stack) receiveIPv4(efrm ethernet.Frame) {
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	var v netcore.Validator
	ifrm.ValidateExceptCRC(&v)
	if v.HasError() {
		return
	}
	if ifrm.CalculateHeaderCRC() != ifrm.CRC() {
		return
	}

	flags := ifrm.Flags()
	if flags.MoreFragments() || flags.FragmentOffset() != 0 {
		return // no fragment reassembly: drop silently
	}

	deviceIP, _, _ := s.dev.IPv4()
	dst := *ifrm.DestinationAddr()
	isMulticast := igmp.IsMulticast(dst)
	isBroadcast := dst == [4]byte{255, 255, 255, 255}
	if isMulticast {
		if dst != igmp.AllHostsGroup && !s.registry.HasMember(dst) {
			return // no local connection is a member of this group
		}
	} else if !isBroadcast && dst != deviceIP {
		return // not addressed to us: the destination filter policy
	}

	payload := ifrm.Payload()
	switch ifrm.Protocol() {
	case netcore.IPProtoICMP:
		s.receiveICMP(efrm, ifrm, payload)
	case netcore.IPProtoIGMP:
		s.receiveIGMP(ifrm, payload)
	case netcore.IPProtoUDP:
		s.receiveUDP(ifrm, payload, isMulticast)
	}
}

// receiveICMP answers echo requests itself and delivers every other valid
// ICMP message to the first registered ICMP connection, whatever its source
// or destination address. Two ICMP connections therefore cannot both receive
// traffic: only the earliest registered one ever does.
func (s *Stack) receiveICMP(efrm ethernet.Frame, ifrm ipv4.Frame, payload []byte) {
	frm, err := icmp.NewFrame(payload)
	if err != nil {
		return
	}
	var v netcore.Validator
	frm.ValidateSize(&v)
	if v.HasError() || frm.CalculateChecksum() != frm.CRC() {
		return
	}
	if frm.Type() != icmp.TypeEcho {
		if c := s.registry.FirstICMP(); c != nil && c.Handler != nil {
			c.Handler(c.Ctx, payload)
		}
		return
	}
	s.replyEcho(efrm, ifrm, frm)
}

// replyEcho answers an ICMP echo request in place, swapping Ethernet/IP
// source and destination and flipping the ICMP type, matching the original
// icmp echo responder's buffer-reuse style. efrm, ifrm and frm must all be
// views over the same underlying receive buffer, as Receive constructs them.
func (s *Stack) replyEcho(efrm ethernet.Frame, ifrm ipv4.Frame, frm icmp.Frame) {
	deviceIP, _, _ := s.dev.IPv4()
	deviceMAC := s.dev.HardwareAddr()

	requesterIP := *ifrm.SourceAddr()
	requesterMAC := *efrm.SourceHardwareAddr()

	*ifrm.SourceAddr() = deviceIP
	*ifrm.DestinationAddr() = requesterIP
	ifrm.SetID(s.nextIPID())
	frm.SetType(icmp.TypeEchoReply)
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateChecksum())
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	*efrm.SourceHardwareAddr() = deviceMAC
	*efrm.DestinationHardwareAddr() = requesterMAC

	full := efrm.RawData()[:14+int(ifrm.TotalLength())]
	if err := s.dev.Send(full); err != nil {
		s.log.Warn("icmp echo reply send failed", "err", err)
	}
}

func (s *Stack) receiveIGMP(ifrm ipv4.Frame, payload []byte) {
	frm, err := igmp.NewFrame(payload)
	if err != nil {
		return
	}
	var v netcore.Validator
	frm.ValidateSize(&v)
	if v.HasError() || frm.CalculateChecksum() != frm.CRC() {
		return
	}
	switch frm.Type() {
	case igmp.TypeMembershipQuery:
		if *ifrm.DestinationAddr() != igmp.AllHostsGroup {
			return // queries must target the all-hosts group
		}
		group := *frm.GroupAddr()
		now := time.Now()
		for _, c := range s.registry.All() {
			if c.Protocol != conn.ProtocolUDP {
				continue
			}
			if group != ([4]byte{}) && c.DestIP() != group {
				continue
			}
			if !igmp.IsMulticast(c.DestIP()) {
				continue
			}
			// Defend with a randomized delay per RFC 1112 section 4. A single
			// deadline field means a second query just overwrites it.
			delay := time.Duration(s.uniformRandom(10000)) * time.Millisecond
			c.IGMPReportTimeoutNanos = now.Add(delay).UnixNano()
		}
	case igmp.TypeMembershipReport:
		if ifrm.TTL() != 1 {
			return // reports must never cross a router
		}
		group := *frm.GroupAddr()
		for _, c := range s.registry.All() {
			if c.Protocol != conn.ProtocolUDP {
				continue
			}
			if c.DestIP() != group || *ifrm.DestinationAddr() != group {
				continue
			}
			// Another host already reported membership for this group:
			// suppress our own pending report.
			c.IGMPReportTimeoutNanos = 0
		}
	}
}

func (s *Stack) receiveUDP(ifrm ipv4.Frame, payload []byte, isMulticast bool) {
	ufrm, err := udp.NewFrame(payload)
	if err != nil {
		return
	}
	var v netcore.Validator
	ufrm.ValidateSize(&v)
	if v.HasError() {
		return
	}
	c := s.registry.FindUDP(ufrm.DestinationPort(), *ifrm.DestinationAddr(), isMulticast)
	if c == nil || c.Handler == nil {
		return
	}
	c.Handler(c.Ctx, ufrm.Payload())
}

// serviceIGMPTimers emits membership reports for every connection whose
// IGMPReportTimeoutNanos has elapsed, then disarms the timer. Run before
// packet delivery on every Poll.
func (s *Stack) serviceIGMPTimers(now time.Time) {
	nowNanos := now.UnixNano()
	for _, c := range s.registry.All() {
		if c.IGMPReportTimeoutNanos == 0 || c.IGMPReportTimeoutNanos > nowNanos {
			continue
		}
		s.sendIGMPReport(c.DestIP(), c.DestMAC())
		c.IGMPReportTimeoutNanos = 0
	}
}

func (s *Stack) sendIGMPReport(group [4]byte, groupMAC [6]byte) {
	deviceIP, _, _ := s.dev.IPv4()
	deviceMAC := s.dev.HardwareAddr()

	buf := s.scratchTX[:14+20+8]
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.SourceHardwareAddr() = deviceMAC
	*efrm.DestinationHardwareAddr() = groupMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm, _ := ipv4.NewFrame(buf[14:])
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetFlags(0x4000)
	ifrm.SetTTL(1)
	ifrm.SetProtocol(netcore.IPProtoIGMP)
	ifrm.SetTotalLength(20 + 8)
	ifrm.SetID(s.nextIPID())
	*ifrm.SourceAddr() = deviceIP
	*ifrm.DestinationAddr() = group
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	frm, _ := igmp.NewFrame(buf[14+20:])
	frm.ClearHeader()
	frm.SetType(igmp.TypeMembershipReport)
	frm.SetUnused()
	*frm.GroupAddr() = group
	frm.SetCRC(frm.CalculateChecksum())

	if err := s.dev.Send(buf); err != nil {
		s.log.Warn("igmp report send failed", "err", err)
	}
}

// SendARPRequest implements arp.Sender by wrapping an ARP payload in an
// Ethernet broadcast frame and handing it to the device.
func (s *Stack) SendARPRequest(arpPayload []byte) error {
	buf := s.scratchTX[:14+len(arpPayload)]
	efrm, err := ethernet.NewFrame(buf)
	if err != nil {
		return err
	}
	*efrm.DestinationHardwareAddr() = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	*efrm.SourceHardwareAddr() = s.dev.HardwareAddr()
	efrm.SetEtherType(ethernet.TypeARP)
	copy(buf[14:], arpPayload)
	return s.dev.Send(buf)
}

// Resolve blocks until dest's hardware address is known, substituting the
// configured gateway when dest is off-link, per the original's
// arp_request/net_poll loop. It polls the Stack itself while waiting.
func (s *Stack) Resolve(ctx context.Context, dest [4]byte, out *[6]byte) error {
	deviceIP, netmask, gateway := s.dev.IPv4()
	return arp.Resolve(ctx, &s.resolver, s, func() { s.Poll(time.Now()) },
		s.dev.HardwareAddr(), deviceIP, netmask, gateway, dest, out,
		arp.DefaultRetryBudget, arp.DefaultRetryInterval)
}

// NewUDP registers a new UDP connection addressed to destIP:destPort. If
// destIP is neither broadcast nor multicast, NewUDP blocks resolving its
// hardware address via ARP (see Resolve). The source port is
// assigned from the ephemeral range unless sourcePort is non-zero.
func (s *Stack) NewUDP(ctx context.Context, destIP [4]byte, sourcePort, destPort uint16, handler conn.Handler, userCtx any) (*conn.Connection, error) {
	deviceIP, _, _ := s.dev.IPv4()
	if deviceIP == ([4]byte{}) {
		return nil, netcore.NewError("stack.NewUDP", netcore.KindNoNetwork, nil)
	}

	destMAC, err := s.resolveDestMAC(ctx, destIP)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 14+20+8+maxUDPPayload)
	c, err := conn.New(buf, conn.ProtocolUDP, s.dev.HardwareAddr(), deviceIP, destIP, destMAC, handler, userCtx, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	if sourcePort == 0 {
		sourcePort = s.nextEphemeralPort()
	}
	c.SetPorts(sourcePort, destPort)
	s.registry.Register(c)
	return c, nil
}

// NewICMP registers a new ICMP connection addressed to destIP, resolving
// its hardware address as NewUDP does.
func (s *Stack) NewICMP(ctx context.Context, destIP [4]byte, handler conn.Handler, userCtx any) (*conn.Connection, error) {
	deviceIP, _, _ := s.dev.IPv4()
	if deviceIP == ([4]byte{}) {
		return nil, netcore.NewError("stack.NewICMP", netcore.KindNoNetwork, nil)
	}
	destMAC, err := s.resolveDestMAC(ctx, destIP)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 14+20+8+maxUDPPayload)
	c, err := conn.New(buf, conn.ProtocolICMP, s.dev.HardwareAddr(), deviceIP, destIP, destMAC, handler, userCtx, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	s.registry.Register(c)
	return c, nil
}

func (s *Stack) resolveDestMAC(ctx context.Context, destIP [4]byte) ([6]byte, error) {
	switch {
	case destIP == [4]byte{255, 255, 255, 255}:
		return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, nil
	case igmp.IsMulticast(destIP):
		return igmp.MulticastMAC(destIP), nil
	default:
		var mac [6]byte
		if err := s.Resolve(ctx, destIP, &mac); err != nil {
			return [6]byte{}, err
		}
		return mac, nil
	}
}

// Unregister removes c from the stack, e.g. once its consumer is done with it.
func (s *Stack) Unregister(c *conn.Connection) { s.registry.Unregister(c) }

// Send transmits payload over c: for UDP it fills the UDP header, leaving the
// UDP checksum zero, and recomputes the IPv4 header checksum; for ICMP it expects payload to already be a
// complete ICMP message (type/code/body) and recomputes the ICMP checksum.
// The IPv4 source address and identification are refreshed on every call,
// matching the original's net_ip_send/net_udp_send behavior of always using
// the device's current address rather than one cached at connection setup.
func (s *Stack) Send(c *conn.Connection, payload []byte) error {
	deviceIP, _, _ := s.dev.IPv4()
	ifrm := c.IPv4()
	*ifrm.SourceAddr() = deviceIP
	ifrm.SetID(s.nextIPID())

	switch c.Protocol {
	case conn.ProtocolUDP:
		ufrm := c.UDP()
		// Payload()/TotalLength() read back the length fields being set
		// here, so the raw bytes must be copied in before those fields
		// are written.
		n := copy(ufrm.RawData()[8:], payload)
		ufrm.SetLength(uint16(8 + n))
		ifrm.SetTotalLength(uint16(20 + 8 + n))
		// Checksum deliberately left at zero: this stack never verifies
		// the UDP checksum on receive, and doesn't compute one on send.
		ufrm.SetCRC(0)
	case conn.ProtocolICMP:
		n := copy(ifrm.RawData()[20:], payload)
		ifrm.SetTotalLength(uint16(20 + n))
		frm, err := icmp.NewFrame(ifrm.RawData()[20 : 20+n])
		if err != nil {
			return netcore.NewError("stack.Send", netcore.KindInvalidArgument, err)
		}
		frm.SetCRC(0)
		frm.SetCRC(frm.CalculateChecksum())
	}

	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	packet := c.Packet()
	n := 14 + int(ifrm.TotalLength())
	if n > len(packet) {
		n = len(packet)
	}
	return s.dev.Send(packet[:n])
}

// uniformRandom mirrors the original's uniform_random(0, max), returning a
// pseudo-random integer in [0, max) from the Stack's own xorshift state. It
// is not cryptographically random; it exists only to spread IGMP
// defend-report timing the way RFC 1112 recommends.
func (s *Stack) uniformRandom(max int) int {
	if max <= 0 {
		return 0
	}
	s.igmpSeed = internal.Prand32(s.igmpSeed)
	return int(s.igmpSeed % uint32(max))
}
