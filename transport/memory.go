package transport

import (
	"net"
	"sync"
	"time"
)

// MemoryNetwork is an in-process datagram fabric connecting named memory
// endpoints. It is the explicit alternate transport implementation used by
// tests: packets can be dropped per endpoint through a hook, which is how
// loss scenarios are scripted without a real network.
type MemoryNetwork struct {
	mu    sync.Mutex
	conns map[string]*MemoryConn
}

// NewMemoryNetwork returns an empty fabric.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: make(map[string]*MemoryConn)}
}

// Endpoint creates (or returns) the endpoint with the given name.
func (n *MemoryNetwork) Endpoint(name string) *MemoryConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	if conn, ok := n.conns[name]; ok {
		return conn
	}
	conn := &MemoryConn{
		network: n,
		addr:    memoryAddr(name),
		recv:    make(chan memoryPacket, 1024),
		closed:  make(chan struct{}),
	}
	n.conns[name] = conn
	return conn
}

// Pair returns two connected endpoints, convenience for point-to-point
// tests.
func Pair() (*MemoryConn, *MemoryConn) {
	n := NewMemoryNetwork()
	return n.Endpoint("a"), n.Endpoint("b")
}

func (n *MemoryNetwork) lookup(name string) *MemoryConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[name]
}

func (n *MemoryNetwork) remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, name)
}

type memoryAddr string

func (a memoryAddr) Network() string { return "mem" }
func (a memoryAddr) String() string  { return string(a) }

type memoryPacket struct {
	data []byte
	from net.Addr
}

// MemoryConn is one endpoint on a MemoryNetwork, implementing
// net.PacketConn with datagram semantics: sends never block (a full peer
// queue drops the packet) and reads honor the read deadline.
type MemoryConn struct {
	network *MemoryNetwork
	addr    memoryAddr
	recv    chan memoryPacket

	mu       sync.Mutex
	deadline time.Time
	dropFn   func(payload []byte) bool

	closeOnce sync.Once
	closed    chan struct{}
}

// SetDrop installs a hook consulted for every outgoing datagram; returning
// true drops it. Passing nil removes the hook.
func (c *MemoryConn) SetDrop(fn func(payload []byte) bool) {
	c.mu.Lock()
	c.dropFn = fn
	c.mu.Unlock()
}

// WriteTo delivers one datagram to the named endpoint. Unknown or closed
// destinations silently discard the packet, matching connectionless
// semantics.
func (c *MemoryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}

	c.mu.Lock()
	drop := c.dropFn
	c.mu.Unlock()
	if drop != nil && drop(p) {
		return len(p), nil
	}

	dest := c.network.lookup(addr.String())
	if dest == nil {
		return len(p), nil
	}

	pkt := memoryPacket{data: append([]byte(nil), p...), from: c.addr}
	select {
	case dest.recv <- pkt:
	case <-dest.closed:
	default:
	}
	return len(p), nil
}

// ReadFrom blocks for the next datagram, the read deadline, or close.
func (c *MemoryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, timeoutError{}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pkt := <-c.recv:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	case <-c.closed:
		return 0, nil, ErrClosed
	}
}

// LocalAddr returns the endpoint's fabric name.
func (c *MemoryConn) LocalAddr() net.Addr { return c.addr }

// SetDeadline sets the read deadline; memory writes never block.
func (c *MemoryConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline bounds future ReadFrom calls.
func (c *MemoryConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op for the memory fabric.
func (c *MemoryConn) SetWriteDeadline(time.Time) error { return nil }

// Close removes the endpoint from the fabric and unblocks readers.
func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(string(c.addr))
	})
	return nil
}

// timeoutError satisfies net.Error so callers can distinguish deadline
// expiry from transport failure, as with real UDP sockets.
type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
