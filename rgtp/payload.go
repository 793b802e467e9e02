package rgtp

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/rawscript/red-giant/crypto"
	"github.com/rawscript/red-giant/wire"
)

// sealChunk applies the configured per-datagram transforms to a chunk
// payload before framing: compression first, then sealing, with the
// matching header flags set.
func sealChunk(cfg *Config, key []byte, h *wire.Header, payload []byte) ([]byte, error) {
	out := payload
	if cfg.EnableCompression {
		compressed := s2.Encode(nil, out)
		// Skip incompressible payloads rather than grow them.
		if len(compressed) < len(out) {
			out = compressed
			h.Flags |= wire.FlagCompressed
		}
	}
	if cfg.EnableEncryption {
		sealed, err := crypto.Seal(key, h.SessionID, h.Sequence, out)
		if err != nil {
			return nil, fmt.Errorf("rgtp: seal chunk %d: %w", h.Sequence, err)
		}
		out = sealed
		h.Flags |= wire.FlagEncrypted
	}
	return out, nil
}

// openChunk reverses sealChunk according to the header flags.
func openChunk(cfg *Config, key []byte, h wire.Header, payload []byte) ([]byte, error) {
	out := payload
	if h.Flags&wire.FlagEncrypted != 0 {
		if !cfg.EnableEncryption {
			return nil, fmt.Errorf("rgtp: chunk %d: %w", h.Sequence, crypto.ErrDecryptFailed)
		}
		opened, err := crypto.Open(key, h.SessionID, h.Sequence, out)
		if err != nil {
			return nil, fmt.Errorf("rgtp: open chunk %d: %w", h.Sequence, err)
		}
		out = opened
	}
	if h.Flags&wire.FlagCompressed != 0 {
		decoded, err := s2.Decode(nil, out)
		if err != nil {
			return nil, fmt.Errorf("rgtp: decompress chunk %d: %w", h.Sequence, err)
		}
		out = decoded
	}
	return out, nil
}

// sessionKey derives the chunk key for a session when encryption is
// enabled, nil otherwise.
func sessionKey(cfg *Config, sessionID uint32) ([]byte, error) {
	if !cfg.EnableEncryption {
		return nil, nil
	}
	key, err := crypto.DeriveKey(cfg.EncryptionSecret, sessionID)
	if err != nil {
		return nil, fmt.Errorf("rgtp: derive session key: %w", err)
	}
	return key, nil
}
