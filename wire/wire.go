// Package wire implements the fixed-layout RGTP datagram framing.
//
// A datagram is a 20-byte header followed by an optional payload. All
// multi-byte fields are serialized in network byte order:
//
//	version(1) type(1) flags(2) session_id(4) sequence(4) chunk_size(4) checksum(4)
//
// The checksum covers the payload only, never the header. A manifest is a
// 52-byte descriptor carried as the payload of a Manifest datagram:
//
//	total_size(8) chunk_count(4) optimal_chunk_size(4) exposure_mode(2) priority(2) content_hash(32)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// Version is the current wire protocol version.
	Version = 1
	// HeaderSize is the fixed encoded header length in bytes.
	HeaderSize = 20
	// ManifestSize is the fixed encoded manifest length in bytes.
	ManifestSize = 52
	// MaxPayloadSize bounds a single datagram payload. The transport in use
	// may impose a lower limit; this is the sanity cap at the framing layer.
	MaxPayloadSize = 1 << 20
)

// PacketType identifies the role of one datagram.
type PacketType uint8

const (
	// TypeExposeAnnounce announces a new exposure to a peer.
	TypeExposeAnnounce PacketType = 0x01
	// TypeManifest carries an encoded Manifest as payload.
	TypeManifest PacketType = 0x02
	// TypeManifestRequest asks an exposer to send its manifest.
	TypeManifestRequest PacketType = 0x03
	// TypeChunkRequest asks for the chunk whose index is in Sequence.
	TypeChunkRequest PacketType = 0x04
	// TypeChunkData carries chunk payload; Sequence holds the chunk index.
	TypeChunkData PacketType = 0x05
	// TypePullPressure carries a uint32 backlog scalar from puller to exposer.
	TypePullPressure PacketType = 0x06
	// TypeComplete signals that the sender's bitmap reached full coverage.
	TypeComplete PacketType = 0x07
	// TypeError carries a textual error payload.
	TypeError PacketType = 0xFF
)

// Header flag bits.
const (
	// FlagRetransmit marks a re-requested or re-sent chunk.
	FlagRetransmit uint16 = 0x0001
	// FlagEncrypted marks a sealed chunk payload.
	FlagEncrypted uint16 = 0x0002
	// FlagCompressed marks a compressed chunk payload.
	FlagCompressed uint16 = 0x0004
)

var (
	// ErrMalformedFrame indicates a buffer shorter than the fixed layout or
	// with inconsistent length fields.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrUnsupportedVersion indicates an unknown protocol version byte.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	// ErrChecksumMismatch indicates the payload checksum did not verify.
	ErrChecksumMismatch = errors.New("wire: payload checksum mismatch")
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// ChecksumFunc computes the 4-byte payload checksum. The algorithm is not
// part of the wire contract; both endpoints must agree on it.
type ChecksumFunc func(payload []byte) uint32

// CRC32 is the default ChecksumFunc (IEEE polynomial).
func CRC32(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Header is the per-datagram framing.
type Header struct {
	Version   uint8
	Type      PacketType
	Flags     uint16
	SessionID uint32
	Sequence  uint32
	ChunkSize uint32
	Checksum  uint32
}

// EncodePacket serializes a header and payload into one datagram buffer.
// ChunkSize and Checksum are derived from the payload; any values already
// present in h are overwritten.
func EncodePacket(h Header, payload []byte, sum ChecksumFunc) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if sum == nil {
		sum = CRC32
	}
	if h.Version == 0 {
		h.Version = Version
	}
	h.ChunkSize = uint32(len(payload))
	h.Checksum = sum(payload)

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[2:4], h.Flags)
	binary.BigEndian.PutUint32(buf[4:8], h.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], h.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], h.ChunkSize)
	binary.BigEndian.PutUint32(buf[16:20], h.Checksum)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodePacket parses one datagram buffer. The returned payload aliases buf.
// A short buffer or a length field that disagrees with the buffer yields
// ErrMalformedFrame; a checksum failure yields ErrChecksumMismatch and the
// payload must be treated as lost, never delivered.
func DecodePacket(buf []byte, sum ChecksumFunc) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedFrame, len(buf), HeaderSize)
	}
	if sum == nil {
		sum = CRC32
	}

	h := Header{
		Version:   buf[0],
		Type:      PacketType(buf[1]),
		Flags:     binary.BigEndian.Uint16(buf[2:4]),
		SessionID: binary.BigEndian.Uint32(buf[4:8]),
		Sequence:  binary.BigEndian.Uint32(buf[8:12]),
		ChunkSize: binary.BigEndian.Uint32(buf[12:16]),
		Checksum:  binary.BigEndian.Uint32(buf[16:20]),
	}
	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.ChunkSize > MaxPayloadSize {
		return Header{}, nil, fmt.Errorf("%w: chunk_size %d", ErrMalformedFrame, h.ChunkSize)
	}
	if uint32(len(buf)-HeaderSize) != h.ChunkSize {
		return Header{}, nil, fmt.Errorf("%w: chunk_size %d but %d payload bytes", ErrMalformedFrame, h.ChunkSize, len(buf)-HeaderSize)
	}

	payload := buf[HeaderSize:]
	if sum(payload) != h.Checksum {
		return Header{}, nil, ErrChecksumMismatch
	}
	return h, payload, nil
}

// Manifest is the fixed-layout transfer descriptor.
type Manifest struct {
	TotalSize        uint64
	ChunkCount       uint32
	OptimalChunkSize uint32
	ExposureMode     uint16
	Priority         uint16
	ContentHash      [32]byte
}

// NewManifest builds a manifest for a payload of totalSize bytes split into
// chunkSize-byte chunks. ChunkCount is derived, never supplied.
func NewManifest(totalSize uint64, chunkSize uint32, mode, priority uint16, contentHash [32]byte) (Manifest, error) {
	if chunkSize == 0 {
		return Manifest{}, errors.New("wire: chunk size must be > 0")
	}
	return Manifest{
		TotalSize:        totalSize,
		ChunkCount:       ChunkCount(totalSize, chunkSize),
		OptimalChunkSize: chunkSize,
		ExposureMode:     mode,
		Priority:         priority,
		ContentHash:      contentHash,
	}, nil
}

// ChunkCount returns ceil(totalSize / chunkSize).
func ChunkCount(totalSize uint64, chunkSize uint32) uint32 {
	if chunkSize == 0 {
		return 0
	}
	return uint32((totalSize + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// Encode serializes the manifest into its 52-byte fixed layout.
func (m Manifest) Encode() []byte {
	buf := make([]byte, ManifestSize)
	binary.BigEndian.PutUint64(buf[0:8], m.TotalSize)
	binary.BigEndian.PutUint32(buf[8:12], m.ChunkCount)
	binary.BigEndian.PutUint32(buf[12:16], m.OptimalChunkSize)
	binary.BigEndian.PutUint16(buf[16:18], m.ExposureMode)
	binary.BigEndian.PutUint16(buf[18:20], m.Priority)
	copy(buf[20:52], m.ContentHash[:])
	return buf
}

// DecodeManifest parses a 52-byte manifest buffer and validates the chunk
// accounting invariant.
func DecodeManifest(buf []byte) (Manifest, error) {
	if len(buf) < ManifestSize {
		return Manifest{}, fmt.Errorf("%w: manifest %d bytes, need %d", ErrMalformedFrame, len(buf), ManifestSize)
	}

	m := Manifest{
		TotalSize:        binary.BigEndian.Uint64(buf[0:8]),
		ChunkCount:       binary.BigEndian.Uint32(buf[8:12]),
		OptimalChunkSize: binary.BigEndian.Uint32(buf[12:16]),
		ExposureMode:     binary.BigEndian.Uint16(buf[16:18]),
		Priority:         binary.BigEndian.Uint16(buf[18:20]),
	}
	copy(m.ContentHash[:], buf[20:52])

	if m.OptimalChunkSize == 0 {
		return Manifest{}, fmt.Errorf("%w: zero chunk size", ErrMalformedFrame)
	}
	if m.ChunkCount != ChunkCount(m.TotalSize, m.OptimalChunkSize) {
		return Manifest{}, fmt.Errorf("%w: chunk count %d does not match size %d / %d",
			ErrMalformedFrame, m.ChunkCount, m.TotalSize, m.OptimalChunkSize)
	}
	return m, nil
}
