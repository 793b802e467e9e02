package rgtp

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of one transfer.
type Stats struct {
	BytesTransferred   uint64
	TotalBytes         uint64
	ThroughputMbps     float64
	AvgThroughputMbps  float64
	ChunksTransferred  uint32
	TotalChunks        uint32
	Retransmissions    uint32
	CompletionPercent  float64
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
}

// EfficiencyPercent reports delivered chunks as a share of all chunk
// transmissions. A transfer with no chunks yet is considered fully
// efficient.
func (s Stats) EfficiencyPercent() float64 {
	if s.ChunksTransferred == 0 {
		return 100
	}
	total := float64(s.ChunksTransferred) + float64(s.Retransmissions)
	return float64(s.ChunksTransferred) / total * 100
}

// tracker accumulates live counters behind atomics; snapshot derives the
// rates.
type tracker struct {
	bytesTransferred  atomic.Uint64
	chunksTransferred atomic.Uint32
	retransmissions   atomic.Uint32

	totalBytes  uint64
	totalChunks uint32
	started     time.Time

	mu          sync.Mutex
	sampleAt    time.Time
	sampleBytes uint64
	lastMbps    float64
}

func newTracker(totalBytes uint64, totalChunks uint32) *tracker {
	now := time.Now()
	return &tracker{
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
		started:     now,
		sampleAt:    now,
	}
}

func (t *tracker) addChunk(n int) {
	t.bytesTransferred.Add(uint64(n))
	t.chunksTransferred.Add(1)
}

func (t *tracker) addRetransmission() {
	t.retransmissions.Add(1)
}

func (t *tracker) snapshot() Stats {
	bytes := t.bytesTransferred.Load()
	elapsed := time.Since(t.started)

	t.mu.Lock()
	window := time.Since(t.sampleAt)
	if window >= 100*time.Millisecond {
		delta := bytes - t.sampleBytes
		t.lastMbps = float64(delta) * 8 / window.Seconds() / 1e6
		t.sampleAt = time.Now()
		t.sampleBytes = bytes
	}
	instant := t.lastMbps
	t.mu.Unlock()

	s := Stats{
		BytesTransferred:  bytes,
		TotalBytes:        t.totalBytes,
		ThroughputMbps:    instant,
		ChunksTransferred: t.chunksTransferred.Load(),
		TotalChunks:       t.totalChunks,
		Retransmissions:   t.retransmissions.Load(),
		Elapsed:           elapsed,
	}
	if elapsed > 0 {
		s.AvgThroughputMbps = float64(bytes) * 8 / elapsed.Seconds() / 1e6
	}
	if t.totalBytes > 0 {
		s.CompletionPercent = float64(bytes) / float64(t.totalBytes) * 100
		if bytes > 0 && bytes < t.totalBytes {
			perByte := elapsed / time.Duration(bytes)
			s.EstimatedRemaining = perByte * time.Duration(t.totalBytes-bytes)
		}
	}
	return s
}
