package rgtp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rawscript/red-giant/chunk"
	"github.com/rawscript/red-giant/congestion"
	"github.com/rawscript/red-giant/transport"
	"github.com/rawscript/red-giant/wire"
)

// Session lifecycle states.
const (
	SessionInit     = "INIT"
	SessionExposing = "EXPOSING"
	SessionComplete = "COMPLETE"
	SessionFailed   = "FAILED"
)

const servePollInterval = 200 * time.Millisecond

// Session owns one exposer socket. A payload exposed on it is served to
// any number of pullers independently; the session stays up after the
// first completion so late or resuming pullers are still served.
type Session struct {
	engine      *Engine
	cfg         Config
	conn        net.PacketConn
	key         []byte
	checksum    wire.ChecksumFunc
	contentHash chunk.HashFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      string
	surface    *Surface
	tracker    *tracker
	views      map[string]*chunk.Bitmap
	completeCh chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewSession binds a UDP socket on cfg.Port and registers the session
// with the engine.
func NewSession(engine *Engine, cfg *Config) (*Session, error) {
	resolved := cfg.withDefaults()
	conn, err := transport.Listen(resolved.Port)
	if err != nil {
		return nil, fmt.Errorf("rgtp: new session: %w", err)
	}
	s, err := newSessionWithConn(engine, resolved, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSessionWithConn runs a session over a caller-provided transport.
// The session takes ownership of conn.
func NewSessionWithConn(engine *Engine, cfg *Config, conn net.PacketConn) (*Session, error) {
	return newSessionWithConn(engine, cfg.withDefaults(), conn)
}

func newSessionWithConn(engine *Engine, cfg Config, conn net.PacketConn) (*Session, error) {
	if engine == nil {
		return nil, fmt.Errorf("rgtp: new session: nil engine: %w", ErrInitFailure)
	}
	if cfg.EnableEncryption && len(cfg.EncryptionSecret) == 0 {
		return nil, fmt.Errorf("rgtp: new session: encryption enabled without secret: %w", ErrInitFailure)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		engine:      engine,
		cfg:         cfg,
		conn:        conn,
		checksum:    cfg.Checksum,
		contentHash: cfg.ContentHash,
		ctx:         ctx,
		cancel:      cancel,
		state:       SessionInit,
		views:       make(map[string]*chunk.Bitmap),
		completeCh:  make(chan struct{}),
		closed:      make(chan struct{}),
	}
	if s.checksum == nil {
		s.checksum = engine.checksum
	}
	if s.contentHash == nil {
		s.contentHash = engine.contentHash
	}
	if err := engine.register(s, nil); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Addr is the socket the session serves on.
func (s *Session) Addr() net.Addr { return s.conn.LocalAddr() }

// State reports the session lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Surface returns the exposed surface, nil before ExposeData.
func (s *Session) Surface() *Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface
}

// ExposeData makes data available for pulling and starts the serve
// worker. A session exposes exactly one payload.
func (s *Session) ExposeData(data []byte) (*Surface, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("rgtp: expose: empty payload: %w", ErrExposeFailure)
	}

	chunkSize := s.cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = optimalChunkSize(uint64(len(data)))
	}
	store, err := chunk.NewComplete(data, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("rgtp: expose: %w", err)
	}

	sessionID := newSessionID()
	key, err := sessionKey(&s.cfg, sessionID)
	if err != nil {
		return nil, err
	}

	rate := s.cfg.ExposureRate
	if rate == 0 {
		rate = congestion.DefaultRate
	}
	window := s.cfg.InitialWindow
	if window == 0 {
		window = congestion.DefaultWindow
	}
	ctrl := congestion.New(rate, window, s.cfg.AdaptiveMode)

	manifest, err := wire.NewManifest(uint64(len(data)), chunkSize, s.cfg.ExposureMode, s.cfg.Priority, chunk.ContentHash(data, s.contentHash))
	if err != nil {
		return nil, fmt.Errorf("rgtp: expose: %w", err)
	}
	surface := newSurface(sessionID, manifest, store, ctrl, s.conn)

	s.mu.Lock()
	if s.surface != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("rgtp: expose: session already exposing: %w", ErrExposeFailure)
	}
	s.surface = surface
	s.key = key
	s.tracker = newTracker(manifest.TotalSize, manifest.ChunkCount)
	s.state = SessionExposing
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serveLoop(surface)
	return surface, nil
}

// ExposeFile reads path into memory and exposes it.
func (s *Session) ExposeFile(path string) (*Surface, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rgtp: expose file: %w", err)
	}
	return s.ExposeData(data)
}

// serveLoop answers manifest and chunk requests until the session is
// closed. Malformed datagrams are dropped, never fatal.
func (s *Session) serveLoop(surface *Surface) {
	defer s.wg.Done()
	buf := make([]byte, wire.HeaderSize+wire.MaxPayloadSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(servePollInterval))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
			default:
				s.mu.Lock()
				if s.state == SessionExposing {
					s.state = SessionFailed
				}
				s.mu.Unlock()
				s.reportError(fmt.Errorf("rgtp: serve: %w", err))
			}
			return
		}
		h, payload, err := wire.DecodePacket(buf[:n], s.checksum)
		if err != nil {
			continue
		}
		// A fresh puller does not know the session ID yet; manifest
		// requests carry zero.
		if h.SessionID != surface.sessionID && !(h.Type == wire.TypeManifestRequest && h.SessionID == 0) {
			continue
		}
		s.handlePacket(surface, h, payload, from)
	}
}

func (s *Session) handlePacket(surface *Surface, h wire.Header, payload []byte, from net.Addr) {
	switch h.Type {
	case wire.TypeManifestRequest:
		s.sendManifest(surface, from)
	case wire.TypeChunkRequest:
		s.sendChunk(surface, h, from)
	case wire.TypePullPressure:
		if len(payload) >= 4 {
			surface.ctrl.ObservePressure(binary.BigEndian.Uint32(payload))
		}
	case wire.TypeComplete:
		s.markPeerComplete(surface, from)
	}
}

func (s *Session) sendManifest(surface *Surface, to net.Addr) {
	h := wire.Header{Type: wire.TypeManifest, SessionID: surface.sessionID}
	frame, err := wire.EncodePacket(h, surface.manifest.Encode(), s.checksum)
	if err != nil {
		s.reportError(fmt.Errorf("rgtp: serve manifest: %w", err))
		return
	}
	s.conn.WriteTo(frame, to)
	surface.setPeer(to)
}

func (s *Session) sendChunk(surface *Surface, req wire.Header, to net.Addr) {
	payload, err := surface.store.Chunk(req.Sequence)
	if err != nil {
		s.sendError(surface, req.Sequence, to)
		return
	}
	retransmit := req.Flags&wire.FlagRetransmit != 0

	h := wire.Header{Type: wire.TypeChunkData, SessionID: surface.sessionID, Sequence: req.Sequence}
	if retransmit {
		h.Flags |= wire.FlagRetransmit
	}
	out, err := sealChunk(&s.cfg, s.key, &h, payload)
	if err != nil {
		s.reportError(err)
		return
	}
	frame, err := wire.EncodePacket(h, out, s.checksum)
	if err != nil {
		s.reportError(fmt.Errorf("rgtp: serve chunk %d: %w", req.Sequence, err))
		return
	}
	if _, err := s.conn.WriteTo(frame, to); err != nil {
		s.reportError(fmt.Errorf("rgtp: serve chunk %d: %w", req.Sequence, err))
		return
	}

	surface.bytesPulled.Add(uint64(len(payload)))
	surface.setPeer(to)
	if retransmit {
		surface.retransmissions.Add(1)
		surface.ctrl.OnLoss()
		s.tracker.addRetransmission()
	} else {
		s.tracker.addChunk(len(payload))
	}
	s.recordServed(surface, req.Sequence, to)
}

func (s *Session) sendError(surface *Surface, sequence uint32, to net.Addr) {
	h := wire.Header{Type: wire.TypeError, SessionID: surface.sessionID, Sequence: sequence}
	frame, err := wire.EncodePacket(h, nil, s.checksum)
	if err != nil {
		return
	}
	s.conn.WriteTo(frame, to)
}

// recordServed tracks per-peer coverage so the session can observe a
// peer reaching the full payload even if its Complete packet is lost.
func (s *Session) recordServed(surface *Surface, sequence uint32, from net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.views[from.String()]
	if !ok {
		view = chunk.NewBitmap(surface.manifest.ChunkCount)
		s.views[from.String()] = view
	}
	view.Set(sequence)
	if view.Full() {
		s.completeLocked()
	}
}

func (s *Session) markPeerComplete(surface *Surface, from net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.views[from.String()]
	if !ok {
		view = chunk.NewBitmap(surface.manifest.ChunkCount)
		s.views[from.String()] = view
	}
	for i := uint32(0); i < surface.manifest.ChunkCount; i++ {
		view.Set(i)
	}
	s.completeLocked()
}

func (s *Session) completeLocked() {
	if s.state == SessionExposing {
		s.state = SessionComplete
		close(s.completeCh)
		log.Printf("session %08x: peer completed pull", s.surface.sessionID)
	}
}

// WaitComplete blocks until any puller has received the whole payload,
// or the timeout elapses.
func (s *Session) WaitComplete(timeout time.Duration) error {
	s.mu.Lock()
	if s.surface == nil {
		s.mu.Unlock()
		return fmt.Errorf("rgtp: wait: nothing exposed: %w", ErrExposeFailure)
	}
	ch := s.completeCh
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-t.C:
		return ErrTimeout
	}
}

// Stats snapshots transfer counters for the exposed surface.
func (s *Session) Stats() (*Stats, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}
	s.mu.Lock()
	tr := s.tracker
	s.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("rgtp: stats: nothing exposed: %w", ErrExposeFailure)
	}
	snap := tr.snapshot()
	return &snap, nil
}

// Cancel aborts serving without closing the socket state visible to
// Stats callers; the session transitions to FAILED unless already
// complete.
func (s *Session) Cancel() {
	s.cancel()
	s.mu.Lock()
	if s.state == SessionInit || s.state == SessionExposing {
		s.state = SessionFailed
	}
	s.mu.Unlock()
}

// Close stops the serve worker and releases the socket. No callbacks
// fire after Close returns. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.conn.Close()
		s.wg.Wait()
		s.engine.unregister(s, nil)
	})
	return nil
}

func (s *Session) reportError(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
