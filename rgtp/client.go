package rgtp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rawscript/red-giant/chunk"
	"github.com/rawscript/red-giant/congestion"
	"github.com/rawscript/red-giant/transport"
	"github.com/rawscript/red-giant/wire"
)

// Client lifecycle states.
const (
	ClientInit     = "INIT"
	ClientPulling  = "PULLING"
	ClientComplete = "COMPLETE"
	ClientTimedOut = "TIMED_OUT"
	ClientFailed   = "FAILED"
)

const (
	manifestAttempts = 5
	pullPollInterval = 20 * time.Millisecond
)

// ResumeState carries a previous partial pull: the bitmap snapshot of
// chunks already held and the partial payload buffer the chunks live
// in. Both come from a prior Client's Progress.
type ResumeState struct {
	Bitmap  []byte
	Payload []byte
}

// Progress is a resumable view of an in-flight or aborted pull.
type Progress struct {
	SessionID uint32
	Manifest  wire.Manifest
	Resume    ResumeState
	Done      uint32
}

// Client pulls one exposed payload. Chunks it already holds are never
// requested again, so a resumed pull costs only the missing chunks.
type Client struct {
	engine      *Engine
	cfg         Config
	conn        net.PacketConn
	checksum    wire.ChecksumFunc
	contentHash chunk.HashFunc

	mu        sync.Mutex
	state     string
	tracker   *tracker
	manifest  *wire.Manifest
	sessionID uint32
	store     *chunk.Store
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient binds an ephemeral UDP socket for pulling.
func NewClient(engine *Engine, cfg *Config) (*Client, error) {
	conn, err := transport.NewUDP()
	if err != nil {
		return nil, fmt.Errorf("rgtp: new client: %w", err)
	}
	c, err := newClientWithConn(engine, cfg.withDefaults(), conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClientWithConn runs a client over a caller-provided transport. The
// client takes ownership of conn.
func NewClientWithConn(engine *Engine, cfg *Config, conn net.PacketConn) (*Client, error) {
	return newClientWithConn(engine, cfg.withDefaults(), conn)
}

func newClientWithConn(engine *Engine, cfg Config, conn net.PacketConn) (*Client, error) {
	if engine == nil {
		return nil, fmt.Errorf("rgtp: new client: nil engine: %w", ErrInitFailure)
	}
	if cfg.EnableEncryption && len(cfg.EncryptionSecret) == 0 {
		return nil, fmt.Errorf("rgtp: new client: encryption enabled without secret: %w", ErrInitFailure)
	}
	c := &Client{
		engine:      engine,
		cfg:         cfg,
		conn:        conn,
		checksum:    cfg.Checksum,
		contentHash: cfg.ContentHash,
		state:       ClientInit,
		closed:      make(chan struct{}),
	}
	if c.checksum == nil {
		c.checksum = engine.checksum
	}
	if c.contentHash == nil {
		c.contentHash = engine.contentHash
	}
	if err := engine.register(nil, c); err != nil {
		return nil, err
	}
	return c, nil
}

// State reports the client lifecycle state.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats snapshots transfer counters for the current or last pull.
func (c *Client) Stats() (*Stats, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	c.mu.Lock()
	tr := c.tracker
	c.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("rgtp: stats: no pull started: %w", ErrPullFailure)
	}
	snap := tr.snapshot()
	return &snap, nil
}

// Progress returns a resumable snapshot of the current pull, nil before
// a manifest has been fetched. The payload buffer is shared, not
// copied; use it only after the pull has stopped.
func (c *Client) Progress() *Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manifest == nil || c.store == nil {
		return nil
	}
	return &Progress{
		SessionID: c.sessionID,
		Manifest:  *c.manifest,
		Resume: ResumeState{
			Bitmap:  c.store.Bitmap().Bytes(),
			Payload: c.storePayload(),
		},
		Done: c.store.Bitmap().SetCount(),
	}
}

func (c *Client) storePayload() []byte {
	buf := make([]byte, c.store.TotalSize())
	for i := uint32(0); i < c.manifest.ChunkCount; i++ {
		if !c.store.Bitmap().IsSet(i) {
			continue
		}
		data, err := c.store.Chunk(i)
		if err != nil {
			continue
		}
		copy(buf[uint64(i)*uint64(c.store.ChunkSize()):], data)
	}
	return buf
}

// Pull fetches the payload exposed at host:port.
func (c *Client) Pull(ctx context.Context, host string, port uint16) ([]byte, error) {
	dest, err := transport.Resolve(host, port)
	if err != nil {
		c.setState(ClientFailed)
		return nil, fmt.Errorf("rgtp: pull: %w", err)
	}
	return c.PullFrom(ctx, dest, nil)
}

// PullToFile pulls into path, writing through a temp file so a partial
// pull never leaves a truncated result behind.
func (c *Client) PullToFile(ctx context.Context, host string, port uint16, path string) error {
	data, err := c.Pull(ctx, host, port)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".pull-*")
	if err != nil {
		return fmt.Errorf("rgtp: pull to file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("rgtp: pull to file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rgtp: pull to file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rgtp: pull to file: %w", err)
	}
	return nil
}

// PullFrom fetches the payload exposed at dest, resuming from a prior
// partial state when resume is non-nil.
func (c *Client) PullFrom(ctx context.Context, dest net.Addr, resume *ResumeState) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	c.setState(ClientPulling)

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	rate := c.cfg.ExposureRate
	if rate == 0 {
		rate = congestion.DefaultRate
	}
	window := c.cfg.InitialWindow
	if window == 0 {
		window = congestion.DefaultWindow
	}
	ctrl := congestion.New(rate, window, c.cfg.AdaptiveMode)

	manifest, sessionID, err := c.fetchManifest(ctx, dest, ctrl, deadline)
	if err != nil {
		return nil, err
	}

	key, err := sessionKey(&c.cfg, sessionID)
	if err != nil {
		c.setState(ClientFailed)
		return nil, err
	}

	if resume == nil && c.cfg.ResumeLookup != nil {
		resume = c.cfg.ResumeLookup(sessionID, manifest)
	}

	var store *chunk.Store
	if resume != nil {
		store, err = chunk.NewResumed(manifest.TotalSize, manifest.OptimalChunkSize, resume.Payload, resume.Bitmap)
	} else {
		store, err = chunk.NewEmpty(manifest.TotalSize, manifest.OptimalChunkSize)
	}
	if err != nil {
		c.setState(ClientFailed)
		return nil, fmt.Errorf("rgtp: pull: %w", err)
	}

	c.mu.Lock()
	c.manifest = &manifest
	c.sessionID = sessionID
	c.store = store
	c.tracker = newTracker(manifest.TotalSize, manifest.ChunkCount)
	for i := uint32(0); i < manifest.ChunkCount; i++ {
		if !store.Bitmap().IsSet(i) {
			continue
		}
		if n, err := store.ChunkLen(i); err == nil {
			c.tracker.addChunk(int(n))
		}
	}
	tr := c.tracker
	c.mu.Unlock()

	if err := c.pullChunks(ctx, dest, sessionID, store, ctrl, key, tr, deadline); err != nil {
		return nil, err
	}

	payload, err := store.Reassemble(manifest, c.contentHash)
	if err != nil {
		c.setState(ClientFailed)
		if errors.Is(err, chunk.ErrContentHashMismatch) {
			err = fmt.Errorf("rgtp: pull session %08x: %w", sessionID, ErrChecksumMismatch)
		} else {
			err = fmt.Errorf("rgtp: pull: %w", err)
		}
		c.reportError(err)
		return nil, err
	}
	c.setState(ClientComplete)
	return payload, nil
}

// fetchManifest asks dest for the manifest, retrying on the controller's
// retransmit timeout until the attempt budget or deadline runs out.
func (c *Client) fetchManifest(ctx context.Context, dest net.Addr, ctrl *congestion.Controller, deadline time.Time) (wire.Manifest, uint32, error) {
	buf := make([]byte, wire.HeaderSize+wire.MaxPayloadSize)
	for attempt := 0; attempt < manifestAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(ClientFailed)
			return wire.Manifest{}, 0, fmt.Errorf("rgtp: pull manifest: %w", err)
		}
		if !time.Now().Before(deadline) {
			break
		}

		req := wire.Header{Type: wire.TypeManifestRequest}
		frame, err := wire.EncodePacket(req, nil, c.checksum)
		if err != nil {
			c.setState(ClientFailed)
			return wire.Manifest{}, 0, fmt.Errorf("rgtp: pull manifest: %w", err)
		}
		if _, err := c.conn.WriteTo(frame, dest); err != nil {
			c.setState(ClientFailed)
			return wire.Manifest{}, 0, fmt.Errorf("rgtp: pull manifest: %w", err)
		}

		waitUntil := time.Now().Add(ctrl.RetransmitTimeout())
		if waitUntil.After(deadline) {
			waitUntil = deadline
		}
		for time.Now().Before(waitUntil) {
			c.conn.SetReadDeadline(waitUntil)
			n, from, err := c.conn.ReadFrom(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					break
				}
				c.setState(ClientFailed)
				return wire.Manifest{}, 0, fmt.Errorf("rgtp: pull manifest: %w", err)
			}
			if from.String() != dest.String() {
				continue
			}
			h, payload, err := wire.DecodePacket(buf[:n], c.checksum)
			if err != nil {
				continue
			}
			if h.Type != wire.TypeManifest && h.Type != wire.TypeExposeAnnounce {
				continue
			}
			m, err := wire.DecodeManifest(payload)
			if err != nil {
				continue
			}
			return m, h.SessionID, nil
		}
	}
	c.setState(ClientTimedOut)
	err := fmt.Errorf("rgtp: pull manifest from %s: %w", dest, ErrTimeout)
	c.reportError(err)
	return wire.Manifest{}, 0, err
}

type pendingChunk struct {
	sentAt   time.Time
	attempts int
}

// pullChunks runs the windowed request loop until the store is full,
// the deadline passes, or every missing chunk exhausts its retry
// budget.
func (c *Client) pullChunks(ctx context.Context, dest net.Addr, sessionID uint32, store *chunk.Store, ctrl *congestion.Controller, key []byte, tr *tracker, deadline time.Time) error {
	bitmap := store.Bitmap()
	if bitmap.Full() {
		c.sendComplete(dest, sessionID)
		return nil
	}

	outstanding := make(map[uint32]*pendingChunk)
	exhausted := make(map[uint32]bool)
	next := uint32(0)
	buf := make([]byte, wire.HeaderSize+wire.MaxPayloadSize)
	lastPressure := time.Now()
	maxAttempts := 1 + c.cfg.MaxChunkRetries

	for !bitmap.Full() {
		if err := ctx.Err(); err != nil {
			c.setState(ClientFailed)
			return fmt.Errorf("rgtp: pull: %w", err)
		}
		if !time.Now().Before(deadline) {
			c.setState(ClientTimedOut)
			err := fmt.Errorf("rgtp: pull session %08x: %d of %d chunks: %w", sessionID, bitmap.SetCount(), bitmap.Count(), ErrTimeout)
			c.reportError(err)
			return err
		}

		// Fill the window with requests for chunks we do not hold.
		for uint32(len(outstanding)) < ctrl.Window() && next < bitmap.Count() {
			i := next
			next++
			if bitmap.IsSet(i) || exhausted[i] {
				continue
			}
			if err := c.requestChunk(dest, sessionID, i, false); err != nil {
				c.setState(ClientFailed)
				return fmt.Errorf("rgtp: pull: %w", err)
			}
			outstanding[i] = &pendingChunk{sentAt: time.Now(), attempts: 1}
		}
		if next >= bitmap.Count() && len(outstanding) == 0 {
			// Nothing in flight and nothing left to request: every
			// missing chunk ran out of retries.
			c.setState(ClientFailed)
			err := fmt.Errorf("rgtp: pull session %08x: %d chunks unrecoverable: %w", sessionID, len(exhausted), ErrPullFailure)
			c.reportError(err)
			return err
		}

		if time.Since(lastPressure) >= c.cfg.PressureInterval {
			c.sendPressure(dest, sessionID, uint32(len(outstanding)))
			ctrl.ObservePressure(uint32(len(outstanding)))
			lastPressure = time.Now()
		}

		wait := time.Now().Add(pullPollInterval)
		if wait.After(deadline) {
			wait = deadline
		}
		c.conn.SetReadDeadline(wait)
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.retryExpired(dest, sessionID, ctrl, tr, outstanding, exhausted, maxAttempts)
				continue
			}
			c.setState(ClientFailed)
			return fmt.Errorf("rgtp: pull: %w", err)
		}
		if from.String() != dest.String() {
			continue
		}
		h, payload, err := wire.DecodePacket(buf[:n], c.checksum)
		if err != nil || h.SessionID != sessionID {
			continue
		}
		if h.Type != wire.TypeChunkData {
			continue
		}

		pending, wasPending := outstanding[h.Sequence]
		delete(outstanding, h.Sequence)

		data, err := openChunk(&c.cfg, key, h, payload)
		if err != nil {
			// Treat an unreadable chunk like a lost one.
			c.recoverChunk(dest, sessionID, h.Sequence, ctrl, tr, outstanding, exhausted, pending, maxAttempts)
			continue
		}
		fresh, err := store.Put(h.Sequence, data)
		if err != nil {
			c.recoverChunk(dest, sessionID, h.Sequence, ctrl, tr, outstanding, exhausted, pending, maxAttempts)
			continue
		}
		if !fresh {
			continue
		}
		if wasPending {
			ctrl.OnDelivery(time.Since(pending.sentAt))
		}
		tr.addChunk(len(data))
		c.reportProgress(tr)
	}

	c.sendComplete(dest, sessionID)
	return nil
}

// retryExpired re-requests outstanding chunks whose retransmit timeout
// has passed.
func (c *Client) retryExpired(dest net.Addr, sessionID uint32, ctrl *congestion.Controller, tr *tracker, outstanding map[uint32]*pendingChunk, exhausted map[uint32]bool, maxAttempts int) {
	rto := ctrl.RetransmitTimeout()
	now := time.Now()
	for i, p := range outstanding {
		if now.Sub(p.sentAt) < rto {
			continue
		}
		if p.attempts >= maxAttempts {
			delete(outstanding, i)
			exhausted[i] = true
			continue
		}
		ctrl.OnLoss()
		tr.addRetransmission()
		if err := c.requestChunk(dest, sessionID, i, true); err != nil {
			continue
		}
		p.sentAt = now
		p.attempts++
	}
}

// recoverChunk puts a chunk whose payload could not be used back in
// flight, re-requesting it immediately.
func (c *Client) recoverChunk(dest net.Addr, sessionID uint32, sequence uint32, ctrl *congestion.Controller, tr *tracker, outstanding map[uint32]*pendingChunk, exhausted map[uint32]bool, pending *pendingChunk, maxAttempts int) {
	attempts := 1
	if pending != nil {
		attempts = pending.attempts
	}
	if attempts >= maxAttempts {
		exhausted[sequence] = true
		return
	}
	ctrl.OnLoss()
	tr.addRetransmission()
	if err := c.requestChunk(dest, sessionID, sequence, true); err != nil {
		return
	}
	outstanding[sequence] = &pendingChunk{sentAt: time.Now(), attempts: attempts + 1}
}

func (c *Client) requestChunk(dest net.Addr, sessionID uint32, sequence uint32, retransmit bool) error {
	h := wire.Header{Type: wire.TypeChunkRequest, SessionID: sessionID, Sequence: sequence}
	if retransmit {
		h.Flags |= wire.FlagRetransmit
	}
	frame, err := wire.EncodePacket(h, nil, c.checksum)
	if err != nil {
		return err
	}
	_, err = c.conn.WriteTo(frame, dest)
	return err
}

func (c *Client) sendPressure(dest net.Addr, sessionID uint32, backlog uint32) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], backlog)
	h := wire.Header{Type: wire.TypePullPressure, SessionID: sessionID}
	frame, err := wire.EncodePacket(h, payload[:], c.checksum)
	if err != nil {
		return
	}
	c.conn.WriteTo(frame, dest)
}

func (c *Client) sendComplete(dest net.Addr, sessionID uint32) {
	h := wire.Header{Type: wire.TypeComplete, SessionID: sessionID}
	frame, err := wire.EncodePacket(h, nil, c.checksum)
	if err != nil {
		return
	}
	c.conn.WriteTo(frame, dest)
}

// Close releases the socket. No callbacks fire after Close returns. It
// is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.engine.unregister(nil, c)
	})
	return nil
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) reportProgress(tr *tracker) {
	select {
	case <-c.closed:
		return
	default:
	}
	if c.cfg.OnProgress != nil {
		c.cfg.OnProgress(tr.bytesTransferred.Load(), tr.totalBytes)
	}
}

func (c *Client) reportError(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
