// Package conn implements the network core's logical endpoints: a
// Connection pairs a pre-templated transmit buffer (Ethernet+IP, plus UDP
// when applicable) with a receive callback, and Registry is the ordered
// collection of live connections the receive demultiplexer and IGMP timer
// walk on every poll.
package conn

import (
	netcore "github.com/cleitner/barebox-mcast"
	"github.com/cleitner/barebox-mcast/ethernet"
	"github.com/cleitner/barebox-mcast/igmp"
	"github.com/cleitner/barebox-mcast/ipv4"
	"github.com/cleitner/barebox-mcast/udp"
)

// Protocol identifies which upper-layer handler a Connection belongs to.
type Protocol uint8

const (
	ProtocolICMP Protocol = iota
	ProtocolUDP
)

// Handler receives a validated inbound packet addressed to a Connection.
// pkt is only valid for the duration of the call: the receive buffer is
// reused by the device on the next poll.
type Handler func(ctx any, pkt []byte)

// Connection is the central logical endpoint of the network core: a
// destination, a pre-filled transmit buffer whose Ethernet/IP (and UDP)
// headers are cached as Frame views over that same buffer, and a receive
// callback. Its cached headers are valid for as long as the Connection is
// registered; the Ethernet, IPv4 and UDP accessors are lifetime-bound to packet.
type Connection struct {
	Protocol Protocol
	Ctx      any
	Handler  Handler

	packet []byte
	eth    ethernet.Frame
	ip     ipv4.Frame
	udpFrm udp.Frame // zero value unused when Protocol != ProtocolUDP

	destIP  [4]byte
	destMAC [6]byte

	sourcePort uint16
	destPort   uint16

	// IGMPReportTimeoutNanos is the absolute deadline (monotonic
	// nanoseconds, caller-defined epoch) at which a membership report is
	// due. Zero means disarmed. Only meaningful for multicast destinations.
	IGMPReportTimeoutNanos int64
}

// udpHeaderOffset is the byte offset of the UDP header within packet,
// immediately following the fixed 14-byte Ethernet header and 20-byte
// (no-options) IPv4 header.
const udpHeaderOffset = 14 + 20

// New builds a Connection over packet, a caller-owned, zeroed buffer large
// enough for Ethernet+IPv4 headers plus any payload the caller intends to
// send. srcMAC and srcIP are the device's own address at construction time;
// destIP/destMAC are the resolved remote address (broadcast, multicast, or
// ARP-resolved unicast, per the caller).
func New(packet []byte, protocol Protocol, srcMAC [6]byte, srcIP, destIP [4]byte, destMAC [6]byte, handler Handler, ctx any, nowNanos int64) (*Connection, error) {
	if len(packet) < udpHeaderOffset {
		return nil, netcore.NewError("conn.New", netcore.KindInvalidArgument, nil)
	}
	efrm, err := ethernet.NewFrame(packet)
	if err != nil {
		return nil, netcore.NewError("conn.New", netcore.KindInvalidArgument, err)
	}
	ifrm, err := ipv4.NewFrame(packet[14:])
	if err != nil {
		return nil, netcore.NewError("conn.New", netcore.KindInvalidArgument, err)
	}

	c := &Connection{
		Protocol: protocol,
		Handler:  handler,
		Ctx:      ctx,
		packet:   packet,
		eth:      efrm,
		ip:       ifrm,
		destIP:   destIP,
		destMAC:  destMAC,
	}

	efrm.ClearHeader()
	*efrm.SourceHardwareAddr() = srcMAC
	*efrm.DestinationHardwareAddr() = destMAC
	efrm.SetEtherType(ethernet.TypeIPv4)

	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetToS(0)
	ifrm.SetFlags(0x4000) // don't-fragment, no offset
	ifrm.SetTTL(255)
	*ifrm.SourceAddr() = srcIP
	*ifrm.DestinationAddr() = destIP

	if protocol == ProtocolUDP {
		ufrm, err := udp.NewFrame(packet[udpHeaderOffset:])
		if err != nil {
			return nil, netcore.NewError("conn.New", netcore.KindInvalidArgument, err)
		}
		c.udpFrm = ufrm
		ifrm.SetProtocol(netcore.IPProtoUDP)
	} else {
		ifrm.SetProtocol(netcore.IPProtoICMP)
	}

	if igmp.IsMulticast(destIP) {
		// Arm immediately: the first report goes out on the next poll.
		c.IGMPReportTimeoutNanos = nowNanos
	}

	return c, nil
}

// DestIP returns the connection's remote IPv4 address.
func (c *Connection) DestIP() [4]byte { return c.destIP }

// DestMAC returns the connection's resolved destination MAC address.
func (c *Connection) DestMAC() [6]byte { return c.destMAC }

// SourcePort returns the local ephemeral port (UDP only; zero otherwise).
func (c *Connection) SourcePort() uint16 { return c.sourcePort }

// DestPort returns the remote port (UDP only; zero otherwise).
func (c *Connection) DestPort() uint16 { return c.destPort }

// SetPorts fills in the UDP source/destination ports. It is a no-op for
// ICMP connections.
func (c *Connection) SetPorts(source, dest uint16) {
	if c.Protocol != ProtocolUDP {
		return
	}
	c.sourcePort = source
	c.destPort = dest
	c.udpFrm.SetSourcePort(source)
	c.udpFrm.SetDestinationPort(dest)
}

// Ethernet returns the cached Ethernet header view over this connection's
// transmit buffer.
func (c *Connection) Ethernet() ethernet.Frame { return c.eth }

// IPv4 returns the cached IPv4 header view over this connection's transmit buffer.
func (c *Connection) IPv4() ipv4.Frame { return c.ip }

// UDP returns the cached UDP header view. Only valid when Protocol == ProtocolUDP.
func (c *Connection) UDP() udp.Frame { return c.udpFrm }

// Packet returns the underlying transmit buffer.
func (c *Connection) Packet() []byte { return c.packet }
