package rgtp

import (
	"net"
	"sync/atomic"

	"github.com/rawscript/red-giant/chunk"
	"github.com/rawscript/red-giant/congestion"
	"github.com/rawscript/red-giant/wire"
)

// Surface is one exposed payload: its manifest, chunk store, congestion
// state, and the transport it is reachable on. It is safe for concurrent
// readers while the owning worker serves pulls.
type Surface struct {
	sessionID uint32
	manifest  wire.Manifest
	store     *chunk.Store
	ctrl      *congestion.Controller
	conn      net.PacketConn

	peer            atomic.Value // net.Addr
	bytesExposed    atomic.Uint64
	bytesPulled     atomic.Uint64
	retransmissions atomic.Uint32
}

func newSurface(sessionID uint32, manifest wire.Manifest, store *chunk.Store, ctrl *congestion.Controller, conn net.PacketConn) *Surface {
	s := &Surface{
		sessionID: sessionID,
		manifest:  manifest,
		store:     store,
		ctrl:      ctrl,
		conn:      conn,
	}
	s.bytesExposed.Store(manifest.TotalSize)
	return s
}

// SessionID identifies this surface on the wire.
func (s *Surface) SessionID() uint32 { return s.sessionID }

// Manifest returns the surface manifest.
func (s *Surface) Manifest() wire.Manifest { return s.manifest }

// Bitmap returns a snapshot of locally available chunks. For an exposer
// this is always full.
func (s *Surface) Bitmap() []byte { return s.store.Bitmap().Bytes() }

// BitmapSize is the snapshot length in bytes.
func (s *Surface) BitmapSize() int { return s.store.Bitmap().Size() }

// CongestionWindow is the current window in chunks.
func (s *Surface) CongestionWindow() uint32 { return s.ctrl.Window() }

// ExposureRate is the current pacing rate in datagrams/sec.
func (s *Surface) ExposureRate() uint32 { return s.ctrl.Rate() }

// PullPressure is the most recently observed client backlog.
func (s *Surface) PullPressure() uint32 { return s.ctrl.Pressure() }

// BytesExposed is the payload size made available.
func (s *Surface) BytesExposed() uint64 { return s.bytesExposed.Load() }

// BytesPulled counts chunk payload bytes delivered to peers so far,
// retransmissions included. Both answered pulls and the raw push path
// count here; BytesExposed stays the payload size made available.
func (s *Surface) BytesPulled() uint64 { return s.bytesPulled.Load() }

// Retransmissions counts chunks served again after an explicit
// re-request.
func (s *Surface) Retransmissions() uint32 { return s.retransmissions.Load() }

// Peer is the most recent puller address, nil before any pull.
func (s *Surface) Peer() net.Addr {
	if v := s.peer.Load(); v != nil {
		return v.(net.Addr)
	}
	return nil
}

func (s *Surface) setPeer(a net.Addr) {
	if a != nil {
		s.peer.Store(a)
	}
}
