// Package device models the Ethernet driver and packet-buffer pool the
// network core sits on top of. Both are external collaborators: the wire
// framing/DMA and the receive-buffer allocation strategy are out of scope,
// only the interfaces the stack needs from them are defined here.
package device

import netcore "github.com/cleitner/barebox-mcast"

// Device is the HAL a network core polls for transmit and receive. An
// implementation owns the physical framing/DMA; Send must block until the
// frame is queued or return an error, and Receive must invoke deliver once
// per frame available without blocking past what's already queued.
type Device interface {
	// Send transmits frame, which is exactly len(frame) bytes starting at
	// the Ethernet header.
	Send(frame []byte) error

	// Receive pumps any frames currently available, calling deliver once
	// per frame with a buffer valid only for the duration of the call.
	// It never blocks waiting for a frame that hasn't arrived.
	Receive(deliver func(frame []byte))

	// HardwareAddr returns the device's current MAC address.
	HardwareAddr() [6]byte

	// SetHardwareAddr republishes mac as the device's current address, used
	// when the stack synthesizes a random locally-administered MAC because
	// none was configured.
	SetHardwareAddr(mac [6]byte)

	// IPv4 returns the device's current IPv4 address, netmask, and default
	// gateway (zero-valued gateway means none configured).
	IPv4() (addr, netmask, gateway [4]byte)
}

// PacketPool hands out fixed-size receive buffers to a Device for DMA and
// reclaims them once the stack is done with a frame, mirroring the fixed
// PKTBUFSRX array of PKTSIZE buffers allocated once at init. Transmit
// buffers are a separate concern: callers allocate them on demand and are
// responsible for freeing them (Go's GC does this implicitly, but the
// pool still models the original's reuse discipline for receive buffers
// used across many polls).
type PacketPool struct {
	bufs []([]byte)
	free []int
}

// NewPacketPool allocates n buffers of size bufSize, mirroring PKTBUFSRX
// receive buffers of PKTSIZE bytes each.
func NewPacketPool(n, bufSize int) *PacketPool {
	if n <= 0 || bufSize <= 0 {
		return &PacketPool{}
	}
	p := &PacketPool{
		bufs: make([][]byte, n),
		free: make([]int, n),
	}
	for i := range p.bufs {
		p.bufs[i] = make([]byte, bufSize)
		p.free[i] = n - 1 - i
	}
	return p
}

// Acquire returns a free buffer, or an error if the pool is exhausted.
func (p *PacketPool) Acquire() ([]byte, error) {
	if len(p.free) == 0 {
		return nil, netcore.NewError("device.PacketPool.Acquire", netcore.KindNoMemory, nil)
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return p.bufs[idx], nil
}

// Release returns buf to the pool. buf must be a slice previously returned
// by Acquire on this pool (identity compared by its backing array's first
// element); Release panics if buf does not belong to the pool, matching
// the original's assumption that buffers are never cross-pool freed.
func (p *PacketPool) Release(buf []byte) {
	for i, b := range p.bufs {
		if &b[0] == &buf[0] {
			p.free = append(p.free, i)
			return
		}
	}
	panic("device: Release called with buffer not owned by this pool")
}

// Cap returns the total number of buffers owned by the pool.
func (p *PacketPool) Cap() int { return len(p.bufs) }

// Available returns the number of buffers currently free.
func (p *PacketPool) Available() int { return len(p.free) }
