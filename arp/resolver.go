package arp

import (
	"context"
	"time"

	netcore "github.com/cleitner/barebox-mcast"
	"github.com/cleitner/barebox-mcast/ethernet"
)

// DefaultRetryBudget and DefaultRetryInterval match the original stack's
// PKT_NUM_RETRIES and per-retry timeout: a resolution gives up after this
// many retransmissions spaced this far apart.
const (
	DefaultRetryBudget   = 5
	DefaultRetryInterval = 3 * time.Second
)

// Resolver drives one ARP resolution at a time. Only one target address may
// be in flight; this mirrors the single process-wide "ARP wait slot" of the
// original stack, now confined to a single owning value instead of a global.
// The zero value is idle and ready to use.
type Resolver struct {
	waitTarget [4]byte
	outMAC     *[6]byte
	pending    bool
}

// Idle reports whether no resolution is currently in flight.
func (r *Resolver) Idle() bool { return !r.pending }

// Begin arms the resolver to wait for a reply from waitTarget, writing the
// resolved hardware address into out once found. Begin returns an error if
// a resolution is already in flight.
func (r *Resolver) Begin(waitTarget [4]byte, out *[6]byte) error {
	if r.pending {
		return netcore.NewError("arp.Resolver.Begin", netcore.KindInvalidArgument, errResolutionInFlight)
	}
	r.waitTarget = waitTarget
	r.outMAC = out
	r.pending = true
	return nil
}

// Abort clears the wait slot without writing to the output pointer, used
// when a user interrupt or higher-level timeout cancels the resolution.
func (r *Resolver) Abort() {
	r.waitTarget = [4]byte{}
	r.outMAC = nil
	r.pending = false
}

// HandleReply feeds an observed ARP REPLY's sender IP and MAC to the
// resolver. If a resolution is in flight and senderIP matches the armed
// target, the hardware address is copied to the output pointer and the
// wait slot clears. Call this from the receive demultiplexer for every
// inbound ARP REPLY regardless of whether a resolution is in flight.
func (r *Resolver) HandleReply(senderIP [4]byte, senderMAC [6]byte) {
	if !r.pending || senderIP != r.waitTarget {
		return
	}
	*r.outMAC = senderMAC
	r.waitTarget = [4]byte{}
	r.outMAC = nil
	r.pending = false
}

// BuildRequest encodes an ARP REQUEST for waitTarget into buf, which must be
// at least 28 bytes (sizeHeaderv4). deviceMAC/deviceIP are the sender fields;
// the target hardware field is left zeroed per RFC 826. BuildRequest returns
// the number of bytes written.
func BuildRequest(buf []byte, deviceMAC [6]byte, deviceIP [4]byte, waitTarget [4]byte) (int, error) {
	afrm, err := NewFrame(buf)
	if err != nil {
		return 0, err
	}
	afrm.ClearHeader()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(OpRequest)
	senderHW, senderProto := afrm.Sender4()
	*senderHW = deviceMAC
	*senderProto = deviceIP
	targetHW, targetProto := afrm.Target4()
	*targetHW = [6]byte{}
	*targetProto = waitTarget
	return sizeHeaderv4, nil
}

// Sender describes how the caller transmits the wire bytes of an ARP
// request; it is implemented by whatever owns the device in use (the stack).
type Sender interface {
	SendARPRequest(buf []byte) error
}

// Resolve performs a synchronous ARP resolution for dest, substituting
// gateway when dest is off-link (off-subnet relative to netmask), exactly as
// the original arp_request/net_poll loop does. It blocks, calling poll on
// every iteration, until a reply arrives, ctx is cancelled, or the retry
// budget is exhausted.
//
// r must be the same Resolver instance the caller's receive demultiplexer
// calls HandleReply on from within poll; Resolve does not itself read
// packets, it only arms r, transmits, and watches r.Idle().
func Resolve(ctx context.Context, r *Resolver, s Sender, poll func(), deviceMAC [6]byte, deviceIP, netmask, gateway, dest [4]byte, out *[6]byte, retries int, interval time.Duration) error {
	if retries <= 0 {
		retries = DefaultRetryBudget
	}
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	target := dest
	if !sameSubnet(dest, deviceIP, netmask) && gateway != ([4]byte{}) {
		target = gateway
	}

	if err := r.Begin(target, out); err != nil {
		return err
	}

	var buf [sizeHeaderv4]byte
	n, err := BuildRequest(buf[:], deviceMAC, deviceIP, target)
	if err != nil {
		r.Abort()
		return netcore.NewError("arp.Resolve", netcore.KindBadPacket, err)
	}
	if err := s.SendARPRequest(buf[:n]); err != nil {
		r.Abort()
		return netcore.NewError("arp.Resolve", netcore.KindNoNetwork, err)
	}

	attempt := 0
	deadline := time.Now().Add(interval)
	for !r.Idle() {
		select {
		case <-ctx.Done():
			r.Abort()
			return netcore.NewError("arp.Resolve", netcore.KindInterrupted, ctx.Err())
		default:
		}

		poll()
		if r.Idle() {
			break
		}

		if time.Now().After(deadline) {
			attempt++
			if attempt > retries {
				r.Abort()
				return netcore.NewError("arp.Resolve", netcore.KindTimeout, nil)
			}
			if err := s.SendARPRequest(buf[:n]); err != nil {
				r.Abort()
				return netcore.NewError("arp.Resolve", netcore.KindNoNetwork, err)
			}
			deadline = time.Now().Add(interval)
		}
	}
	return nil
}

func sameSubnet(a, b, netmask [4]byte) bool {
	for i := range a {
		if a[i]&netmask[i] != b[i]&netmask[i] {
			return false
		}
	}
	return true
}
