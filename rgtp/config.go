package rgtp

import (
	"time"

	"github.com/rawscript/red-giant/chunk"
	"github.com/rawscript/red-giant/wire"
)

const (
	// DefaultTimeout bounds one expose or pull operation.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxChunkRetries is the per-chunk retransmission budget.
	DefaultMaxChunkRetries = 8
	// DefaultPressureInterval is how often a puller reports backlog.
	DefaultPressureInterval = 250 * time.Millisecond

	// Exposure mode and priority values carried in the manifest. They are
	// opaque to the engine; both ends may attach their own meaning.
	ExposureModeFixed    uint16 = 0
	ExposureModeAdaptive uint16 = 1
	PriorityNormal       uint16 = 100
	PriorityHigh         uint16 = 200
)

// Config is an immutable snapshot consumed when a Session or Client is
// constructed; later mutation of the caller's copy has no effect.
type Config struct {
	// ChunkSize in bytes; zero selects a size derived from the payload.
	ChunkSize uint32
	// ExposureRate is the initial datagrams/sec cap; zero selects default.
	ExposureRate uint32
	// InitialWindow is the starting congestion window; zero selects default.
	InitialWindow uint32
	// AdaptiveMode enables AIMD window and rate adaptation. When false both
	// stay fixed at the configured constants.
	AdaptiveMode bool
	// EnableCompression compresses chunk payloads per datagram.
	EnableCompression bool
	// EnableEncryption seals chunk payloads; requires EncryptionSecret.
	EnableEncryption bool
	// EncryptionSecret is the pre-shared secret session keys derive from.
	EncryptionSecret []byte

	// ExposureMode and Priority are carried in the manifest.
	ExposureMode uint16
	Priority     uint16

	// Port is the exposer's listening port; zero selects an ephemeral port.
	Port uint16
	// Timeout bounds one operation; zero selects DefaultTimeout.
	Timeout time.Duration
	// MaxChunkRetries caps re-requests per chunk; zero selects default.
	MaxChunkRetries int
	// PressureInterval is the backlog reporting cadence; zero selects
	// default.
	PressureInterval time.Duration

	// ResumeLookup, when set, is consulted by a puller once the manifest
	// is known; returning non-nil resumes from that saved state. It is
	// ignored when an explicit resume state is passed to PullFrom.
	ResumeLookup func(sessionID uint32, manifest wire.Manifest) *ResumeState

	// Checksum overrides the engine's datagram checksum.
	Checksum wire.ChecksumFunc
	// ContentHash overrides the engine's payload digest.
	ContentHash chunk.HashFunc

	// OnProgress is invoked from the owning worker after every delivered
	// chunk. It never fires after Close.
	OnProgress func(bytesTransferred, totalBytes uint64)
	// OnError is invoked from the owning worker when an operation fails.
	OnError func(err error)
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if out.PressureInterval <= 0 {
		out.PressureInterval = DefaultPressureInterval
	}
	return out
}

// DefaultConfig returns the general-purpose configuration.
func DefaultConfig() *Config {
	return &Config{
		AdaptiveMode: true,
		Timeout:      DefaultTimeout,
		ExposureMode: ExposureModeAdaptive,
		Priority:     PriorityNormal,
	}
}

// LANConfig returns a configuration tuned for low-latency local networks:
// large datagram-safe chunks and an aggressive exposure rate.
func LANConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 60000
	cfg.ExposureRate = 10000
	return cfg
}

// WANConfig returns a configuration tuned for wide-area links.
func WANConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 16384
	cfg.ExposureRate = 1000
	cfg.Timeout = 60 * time.Second
	return cfg
}

// MobileConfig returns a conservative configuration for lossy, metered
// networks.
func MobileConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 4096
	cfg.ExposureRate = 100
	cfg.Timeout = 120 * time.Second
	return cfg
}

// optimalChunkSize mirrors MTU-based sizing: single-MTU chunks for small
// payloads, scaled multiples for larger ones.
func optimalChunkSize(totalSize uint64) uint32 {
	const base = 1500 - 20 - 8 - wire.HeaderSize
	switch {
	case totalSize < 64*1024:
		return base
	case totalSize < 1024*1024:
		return base * 4
	default:
		return base * 16
	}
}
