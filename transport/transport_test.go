package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestResolveLiteralAddress(t *testing.T) {
	addr, err := Resolve("127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if addr.Port != 9999 || !addr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected endpoint: %v", addr)
	}
}

func TestResolveFailureIsDistinctError(t *testing.T) {
	_, err := Resolve("host.invalid.", 9999)
	if !errors.Is(err, ErrHostResolution) {
		t.Fatalf("expected ErrHostResolution, got %v", err)
	}
}

func TestMemoryPairRoundTrip(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	msg := []byte("datagram")
	if _, err := a.WriteTo(msg, b.LocalAddr()); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	buf := make([]byte, 64)
	n, from, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("payload mismatch")
	}
	if from.String() != a.LocalAddr().String() {
		t.Fatalf("sender %v, want %v", from, a.LocalAddr())
	}
}

func TestMemoryNetworkRoutesByName(t *testing.T) {
	n := NewMemoryNetwork()
	server := n.Endpoint("server")
	c1 := n.Endpoint("client-1")
	c2 := n.Endpoint("client-2")
	defer server.Close()
	defer c1.Close()
	defer c2.Close()

	if _, err := c1.WriteTo([]byte("one"), server.LocalAddr()); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if _, err := c2.WriteTo([]byte("two"), server.LocalAddr()); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	seen := map[string]string{}
	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		n, from, err := server.ReadFrom(buf)
		if err != nil {
			t.Fatalf("ReadFrom failed: %v", err)
		}
		seen[from.String()] = string(buf[:n])
	}
	if seen["client-1"] != "one" || seen["client-2"] != "two" {
		t.Fatalf("unexpected routing: %v", seen)
	}
}

func TestMemoryReadDeadline(t *testing.T) {
	a, _ := Pair()
	defer a.Close()

	if err := a.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}

	start := time.Now()
	_, _, err := a.ReadFrom(make([]byte, 16))
	if err == nil {
		t.Fatalf("expected timeout")
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected net.Error timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("deadline took too long")
	}
}

func TestMemoryDropHook(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	drops := 0
	a.SetDrop(func(payload []byte) bool {
		drops++
		return drops == 1
	})

	if _, err := a.WriteTo([]byte("lost"), b.LocalAddr()); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if _, err := a.WriteTo([]byte("kept"), b.LocalAddr()); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	buf := make([]byte, 16)
	_ = b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, _, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if string(buf[:n]) != "kept" {
		t.Fatalf("got %q, want the undropped packet", buf[:n])
	}
}

func TestMemoryCloseUnblocksReader(t *testing.T) {
	a, _ := Pair()

	done := make(chan error, 1)
	go func() {
		_, _, err := a.ReadFrom(make([]byte, 16))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reader still blocked after close")
	}
}

func TestUDPListenAndResolveLoopback(t *testing.T) {
	conn, err := Listen(0)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer conn.Close()

	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	dest, err := Resolve("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	sender, err := NewUDP()
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	defer sender.Close()

	if _, err := sender.WriteTo([]byte("ping"), dest); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("unexpected payload %q", buf[:n])
	}
}
