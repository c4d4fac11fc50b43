package conn

// Registry is the ordered collection of live connections. Per the network
// core's design, the working set is small (O(10)) so a linear scan is used
// throughout rather than a hash index; insertion is an append and removal
// a linear scan.
//
// Exactly one Registry is meant to exist per running stack; callers own
// that lifetime, Registry itself holds no process-wide state.
type Registry struct {
	conns []*Connection
}

// Register appends c to the registry.
func (r *Registry) Register(c *Connection) {
	r.conns = append(r.conns, c)
}

// Unregister removes c from the registry. It is a no-op if c is not present.
func (r *Registry) Unregister(c *Connection) {
	for i, other := range r.conns {
		if other == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return
		}
	}
}

// All returns the live connections in registration order. The returned
// slice aliases Registry's internal storage and must not be retained past
// the next Register/Unregister call.
func (r *Registry) All() []*Connection { return r.conns }

// Len returns the number of registered connections.
func (r *Registry) Len() int { return len(r.conns) }

// FindUDP returns the first UDP connection whose source port matches sport,
// applying the multicast cross-group exclusion: when daddr is a multicast
// address, the connection's own destination IP must also equal daddr.
func (r *Registry) FindUDP(sport uint16, daddr [4]byte, isMulticast bool) *Connection {
	for _, c := range r.conns {
		if c.Protocol != ProtocolUDP || c.SourcePort() != sport {
			continue
		}
		if isMulticast && c.destIP != daddr {
			continue
		}
		return c
	}
	return nil
}

// FirstICMP returns the first registered ICMP connection, or nil if none
// exists. Per the design, all ICMP traffic multiplexes to a single logical
// endpoint.
func (r *Registry) FirstICMP() *Connection {
	for _, c := range r.conns {
		if c.Protocol == ProtocolICMP {
			return c
		}
	}
	return nil
}

// HasMember reports whether any registered connection's destination IP
// equals group, used by the receive path's destination filter to decide
// whether to accept a frame sent to that multicast group.
func (r *Registry) HasMember(group [4]byte) bool {
	for _, c := range r.conns {
		if c.destIP == group {
			return true
		}
	}
	return false
}
