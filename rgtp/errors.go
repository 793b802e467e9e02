package rgtp

import (
	"errors"

	"github.com/rawscript/red-giant/transport"
	"github.com/rawscript/red-giant/wire"
)

var (
	// ErrInitFailure indicates engine-level setup failed.
	ErrInitFailure = errors.New("rgtp: engine initialization failed")
	// ErrClosed indicates an operation on a destroyed engine, session or
	// client.
	ErrClosed = errors.New("rgtp: closed resource")
	// ErrExposeFailure indicates an exposure could not be started.
	ErrExposeFailure = errors.New("rgtp: expose failed")
	// ErrPullFailure indicates a pull ended without full coverage after the
	// per-chunk retry budget was exhausted, or could not start at all.
	ErrPullFailure = errors.New("rgtp: pull failed")
	// ErrTimeout indicates the configured deadline elapsed with the
	// operation incomplete.
	ErrTimeout = errors.New("rgtp: operation timed out")
	// ErrChecksumMismatch indicates the reassembled payload failed content
	// hash verification; no payload is returned.
	ErrChecksumMismatch = errors.New("rgtp: content hash mismatch")
)

// Lower-layer categories surface unchanged so callers match one taxonomy.
var (
	// ErrMalformedFrame: see wire.ErrMalformedFrame.
	ErrMalformedFrame = wire.ErrMalformedFrame
	// ErrHostResolution: see transport.ErrHostResolution.
	ErrHostResolution = transport.ErrHostResolution
	// ErrBindFailure: see transport.ErrBind.
	ErrBindFailure = transport.ErrBind
	// ErrSocketCreateFailure: see transport.ErrSocketCreate.
	ErrSocketCreateFailure = transport.ErrSocketCreate
)
