// Package rgtp implements the Red Giant Transport Protocol, a
// connectionless UDP transport built on an exposure model: a sender
// makes a chunked payload available as a surface, and receivers pull
// the chunks they are missing. Chunk presence bitmaps make interrupted
// pulls resumable at the exact chunk boundary, and one exposed surface
// serves any number of pullers, each completing independently.
//
// The usual entry points are Session (expose side) and Client (pull
// side), both created through an Engine. SendFile and ReceiveFile wrap
// the common one-shot file transfer.
package rgtp

import (
	"context"
	"fmt"
)

// Version is the library release version.
const Version = "1.0.0"

// ProtocolVersion is the wire protocol version this build speaks.
const ProtocolVersion = 1

// SendFile exposes the file at path on cfg.Port and blocks until one
// puller has the whole payload or cfg.Timeout elapses.
func SendFile(engine *Engine, cfg *Config, path string) error {
	session, err := NewSession(engine, cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	if _, err := session.ExposeFile(path); err != nil {
		return err
	}
	resolved := cfg.withDefaults()
	if err := session.WaitComplete(resolved.Timeout); err != nil {
		return fmt.Errorf("rgtp: send %s: %w", path, err)
	}
	return nil
}

// ReceiveFile pulls the payload exposed at host:port into path.
func ReceiveFile(ctx context.Context, engine *Engine, cfg *Config, host string, port uint16, path string) error {
	client, err := NewClient(engine, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.PullToFile(ctx, host, port, path)
}
