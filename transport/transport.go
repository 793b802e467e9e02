// Package transport is the only layer that touches the operating system.
// It provides connectionless endpoint creation, address resolution and an
// in-memory implementation used as an explicit test double. Everything
// above consumes net.PacketConn as an injected dependency.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// MaxDatagramSize is the largest UDP payload the receive loops size
	// their buffers for.
	MaxDatagramSize = 65507

	// socketBufferSize is requested for kernel send/receive buffers; the
	// request is best-effort.
	socketBufferSize = 2 * 1024 * 1024
)

var (
	// ErrHostResolution indicates a host name or literal could not be
	// resolved. Distinct from transport (socket) failures.
	ErrHostResolution = errors.New("transport: host resolution failed")
	// ErrClosed indicates an operation on a closed endpoint.
	ErrClosed = errors.New("transport: endpoint closed")
	// ErrBind indicates a local port could not be bound.
	ErrBind = errors.New("transport: bind failed")
	// ErrSocketCreate indicates an endpoint could not be created.
	ErrSocketCreate = errors.New("transport: socket creation failed")
)

// Resolve turns a host name or literal address plus port into a canonical
// endpoint. IPv4 and IPv6 are both accepted.
func Resolve(host string, port uint16) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrHostResolution, host, err)
	}
	return addr, nil
}

// Listen binds a UDP endpoint on the given local port. Port zero selects an
// ephemeral port.
func Listen(port uint16) (net.PacketConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrBind, port, err)
	}
	tuneUDP(conn)
	return conn, nil
}

// NewUDP creates an ephemeral local UDP endpoint, the puller-side socket.
func NewUDP() (net.PacketConn, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketCreate, err)
	}
	tuneUDP(conn)
	return conn, nil
}

func tuneUDP(conn *net.UDPConn) {
	// High-throughput exposure bursts overrun default kernel buffers.
	_ = conn.SetReadBuffer(socketBufferSize)
	_ = conn.SetWriteBuffer(socketBufferSize)
}
