package rgtp

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawscript/red-giant/chunk"
	"github.com/rawscript/red-giant/congestion"
	"github.com/rawscript/red-giant/wire"
)

// EngineOptions configure a shared Engine.
type EngineOptions struct {
	// Checksum covers every datagram payload; nil selects CRC-32 IEEE.
	Checksum wire.ChecksumFunc
	// ContentHash digests whole payloads for manifests; nil selects
	// SHA-256.
	ContentHash chunk.HashFunc
}

// Engine holds the state shared by sessions and clients: checksum and
// digest choices and the registry of live resources. All sessions and
// clients must be created through one engine and are shut down with it.
type Engine struct {
	checksum    wire.ChecksumFunc
	contentHash chunk.HashFunc

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
	clients  map[*Client]struct{}
}

// NewEngine initializes an engine. The returned engine must be closed
// when no longer needed.
func NewEngine(opts *EngineOptions) (*Engine, error) {
	e := &Engine{
		sessions: make(map[*Session]struct{}),
		clients:  make(map[*Client]struct{}),
	}
	if opts != nil {
		e.checksum = opts.Checksum
		e.contentHash = opts.ContentHash
	}
	if e.checksum == nil {
		e.checksum = wire.CRC32
	}
	if e.contentHash == nil {
		e.contentHash = func() hash.Hash { return sha256.New() }
	}
	return e, nil
}

// Close releases every session and client created through this engine.
// It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	clients := make([]*Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.sessions = nil
	e.clients = nil
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, c := range clients {
		c.Close()
	}
	return nil
}

func (e *Engine) register(s *Session, c *Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if s != nil {
		e.sessions[s] = struct{}{}
	}
	if c != nil {
		e.clients[c] = struct{}{}
	}
	return nil
}

func (e *Engine) unregister(s *Session, c *Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if s != nil {
		delete(e.sessions, s)
	}
	if c != nil {
		delete(e.clients, c)
	}
}

// newSessionID draws a random session identifier.
func newSessionID() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

// ExposeData is the raw single-shot primitive: it announces a payload to
// dest over conn and pushes every chunk once, paced by a fresh
// congestion controller. Resumable serving lives in Session; this path
// exists for fire-and-forget pushes to a known peer.
func (e *Engine) ExposeData(conn net.PacketConn, data []byte, dest net.Addr) (*Surface, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if conn == nil || dest == nil {
		return nil, fmt.Errorf("rgtp: expose data: %w", ErrExposeFailure)
	}

	chunkSize := optimalChunkSize(uint64(len(data)))
	store, err := chunk.NewComplete(data, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("rgtp: expose data: %w", err)
	}
	manifest, err := wire.NewManifest(uint64(len(data)), chunkSize, ExposureModeFixed, PriorityNormal, chunk.ContentHash(data, e.contentHash))
	if err != nil {
		return nil, fmt.Errorf("rgtp: expose data: %w", err)
	}
	sessionID := newSessionID()
	ctrl := congestion.New(congestion.DefaultRate, congestion.DefaultWindow, true)
	surface := newSurface(sessionID, manifest, store, ctrl, conn)
	surface.setPeer(dest)

	announce := wire.Header{Type: wire.TypeExposeAnnounce, SessionID: sessionID}
	frame, err := wire.EncodePacket(announce, manifest.Encode(), e.checksum)
	if err != nil {
		return nil, fmt.Errorf("rgtp: expose data: %w", err)
	}
	if _, err := conn.WriteTo(frame, dest); err != nil {
		return nil, fmt.Errorf("rgtp: expose data: %w", err)
	}

	interval := ctrl.SendInterval()
	for i := uint32(0); i < manifest.ChunkCount; i++ {
		payload, err := store.Chunk(i)
		if err != nil {
			return nil, fmt.Errorf("rgtp: expose data: %w", err)
		}
		h := wire.Header{Type: wire.TypeChunkData, SessionID: sessionID, Sequence: i}
		frame, err := wire.EncodePacket(h, payload, e.checksum)
		if err != nil {
			return nil, fmt.Errorf("rgtp: expose data: %w", err)
		}
		if _, err := conn.WriteTo(frame, dest); err != nil {
			return nil, fmt.Errorf("rgtp: expose data: %w", err)
		}
		surface.bytesPulled.Add(uint64(len(payload)))
		if interval > 0 && i+1 < manifest.ChunkCount {
			time.Sleep(interval)
		}
	}
	return surface, nil
}

// PullDatagram is the raw receive primitive: it reads one datagram from
// conn, verifies the frame, and copies the chunk payload into buf. The
// header sequence orders the chunk within its session. Callers needing
// reassembly, retransmission, or resume use Client.
func (e *Engine) PullDatagram(conn net.PacketConn, source net.Addr, buf []byte) (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	raw := make([]byte, wire.HeaderSize+wire.MaxPayloadSize)
	for {
		n, from, err := conn.ReadFrom(raw)
		if err != nil {
			return 0, fmt.Errorf("rgtp: pull datagram: %w", err)
		}
		if source != nil && from.String() != source.String() {
			continue
		}
		h, payload, err := wire.DecodePacket(raw[:n], e.checksum)
		if err != nil {
			return 0, fmt.Errorf("rgtp: pull datagram: %w", err)
		}
		if h.Type != wire.TypeChunkData {
			continue
		}
		if len(payload) > len(buf) {
			return 0, fmt.Errorf("rgtp: pull datagram: buffer too small for %d byte chunk", len(payload))
		}
		return copy(buf, payload), nil
	}
}
