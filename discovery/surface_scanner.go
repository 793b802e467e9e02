package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventSurfaceUpserted is emitted when a surface appears or its
	// metadata changes.
	EventSurfaceUpserted EventType = "surface_upserted"
	// EventSurfaceRemoved is emitted when a previously seen surface
	// disappears.
	EventSurfaceRemoved EventType = "surface_removed"
)

// EventType identifies surface discovery updates.
type EventType string

// Event carries discovery updates to transfer consumers.
type Event struct {
	Type    EventType
	Surface ExposedSurface
}

// ExposedSurface is a pullable surface found on the LAN.
type ExposedSurface struct {
	NodeID     string
	Name       string
	SessionID  uint32
	TotalSize  uint64
	ChunkCount uint32
	HashPrefix string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// SurfaceScanner finds exposed surfaces with periodic and manual mDNS
// browse operations.
type SurfaceScanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	surfaces map[uint32]ExposedSurface

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewSurfaceScanner creates a scanner with config defaults applied.
func NewSurfaceScanner(config Config) (*SurfaceScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &SurfaceScanner{
		cfg:             cfg,
		browse:          browse,
		surfaces:        make(map[uint32]ExposedSurface),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *SurfaceScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *SurfaceScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *SurfaceScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *SurfaceScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("surface scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("surface scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("surface scanner is stopped")
	}
}

// ListSurfaces returns the current in-memory snapshot of discovered
// surfaces, largest payload first.
func (s *SurfaceScanner) ListSurfaces() []ExposedSurface {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ExposedSurface, 0, len(s.surfaces))
	for _, surface := range s.surfaces {
		out = append(out, surface)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalSize == out[j].TotalSize {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].TotalSize > out[j].TotalSize
	})
	return out
}

func (s *SurfaceScanner) loop() {
	defer s.wg.Done()

	// Prime the surface list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *SurfaceScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[uint32]ExposedSurface)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				surface, ok := parseEntry(entry, s.cfg.SelfNodeID)
				if !ok {
					continue
				}
				surface.LastSeen = time.Now()
				collectedMu.Lock()
				collected[surface.SessionID] = surface
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *SurfaceScanner) applySnapshot(next map[uint32]ExposedSurface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.surfaces
	s.surfaces = next

	for id, surface := range next {
		old, exists := previous[id]
		if !exists || !surfacesEqual(old, surface) {
			s.emitEvent(Event{Type: EventSurfaceUpserted, Surface: surface})
		}
	}

	for id, surface := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventSurfaceRemoved, Surface: surface})
		}
	}
}

func (s *SurfaceScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (ExposedSurface, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt["node_id"])
	if nodeID == "" || nodeID == selfNodeID {
		return ExposedSurface{}, false
	}

	sessionID, err := strconv.ParseUint(strings.TrimSpace(txt["session_id"]), 16, 32)
	if err != nil || sessionID == 0 {
		return ExposedSurface{}, false
	}

	totalSize, _ := strconv.ParseUint(txt["size"], 10, 64)
	chunkCount, _ := strconv.ParseUint(txt["chunks"], 10, 32)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return ExposedSurface{
		NodeID:     nodeID,
		Name:       name,
		SessionID:  uint32(sessionID),
		TotalSize:  totalSize,
		ChunkCount: uint32(chunkCount),
		HashPrefix: strings.TrimSpace(txt["hash"]),
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func surfacesEqual(a, b ExposedSurface) bool {
	if a.NodeID != b.NodeID ||
		a.Name != b.Name ||
		a.SessionID != b.SessionID ||
		a.TotalSize != b.TotalSize ||
		a.ChunkCount != b.ChunkCount ||
		a.HashPrefix != b.HashPrefix ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
