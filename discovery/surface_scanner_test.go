package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func testEntry(instance, nodeID, sessionHex string, port int) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance},
		HostName:      instance + ".local.",
		Port:          port,
		Text: []string{
			"node_id=" + nodeID,
			"session_id=" + sessionHex,
			"size=2048",
			"chunks=2",
			"hash=abcd",
			"version=1",
		},
		AddrIPv4: []net.IP{net.IPv4(192, 0, 2, 10)},
	}
	return entry
}

func newTestScanner(t *testing.T, browse browseFunc) *SurfaceScanner {
	t.Helper()

	cfg := Config{
		SelfNodeID:      "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     50 * time.Millisecond,
		browseFn:        browse,
	}
	scanner, err := NewSurfaceScanner(cfg)
	if err != nil {
		t.Fatalf("NewSurfaceScanner: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(scanner.Stop)
	return scanner
}

func TestScannerCollectsSurfaces(t *testing.T) {
	scanner := newTestScanner(t, func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- testEntry("big", "node-a", "000000aa", 9000)
		entries <- testEntry("small", "node-b", "000000bb", 9001)
		<-ctx.Done()
		return nil
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	surfaces := scanner.ListSurfaces()
	if len(surfaces) != 2 {
		t.Fatalf("got %d surfaces, want 2", len(surfaces))
	}
	for _, s := range surfaces {
		if s.TotalSize != 2048 || s.ChunkCount != 2 {
			t.Errorf("surface %08x: size=%d chunks=%d, want 2048/2", s.SessionID, s.TotalSize, s.ChunkCount)
		}
		if s.HashPrefix != "abcd" {
			t.Errorf("surface %08x: hash prefix = %q", s.SessionID, s.HashPrefix)
		}
	}
}

func TestScannerIgnoresSelfAndMalformedEntries(t *testing.T) {
	scanner := newTestScanner(t, func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- testEntry("mine", "self", "000000aa", 9000)
		bad := testEntry("bad", "node-x", "not-hex", 9001)
		entries <- bad
		entries <- testEntry("good", "node-y", "000000cc", 9002)
		<-ctx.Done()
		return nil
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	surfaces := scanner.ListSurfaces()
	if len(surfaces) != 1 {
		t.Fatalf("got %d surfaces, want 1", len(surfaces))
	}
	if surfaces[0].NodeID != "node-y" {
		t.Fatalf("surviving surface node = %q, want node-y", surfaces[0].NodeID)
	}
}

func TestScannerEmitsUpsertAndRemoveEvents(t *testing.T) {
	var mu sync.Mutex
	present := true
	scanner := newTestScanner(t, func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		mu.Lock()
		ok := present
		mu.Unlock()
		if ok {
			entries <- testEntry("here", "node-a", "000000aa", 9000)
		}
		<-ctx.Done()
		return nil
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	select {
	case ev := <-scanner.Events():
		if ev.Type != EventSurfaceUpserted {
			t.Fatalf("event = %s, want %s", ev.Type, EventSurfaceUpserted)
		}
		if ev.Surface.SessionID != 0xAA {
			t.Fatalf("event session = %08x, want 000000aa", ev.Surface.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("no upsert event")
	}

	mu.Lock()
	present = false
	mu.Unlock()
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	select {
	case ev := <-scanner.Events():
		if ev.Type != EventSurfaceRemoved {
			t.Fatalf("event = %s, want %s", ev.Type, EventSurfaceRemoved)
		}
	case <-time.After(time.Second):
		t.Fatal("no remove event")
	}
}

func TestListSurfacesOrdersByPayloadSize(t *testing.T) {
	scanner := newTestScanner(t, func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		small := testEntry("small", "node-a", "00000001", 9000)
		small.Text[2] = "size=100"
		big := testEntry("big", "node-b", "00000002", 9001)
		big.Text[2] = "size=9000"
		entries <- small
		entries <- big
		<-ctx.Done()
		return nil
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	surfaces := scanner.ListSurfaces()
	if len(surfaces) != 2 {
		t.Fatalf("got %d surfaces, want 2", len(surfaces))
	}
	if surfaces[0].TotalSize != 9000 {
		t.Fatalf("largest surface first: got %d", surfaces[0].TotalSize)
	}
}
