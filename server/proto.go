package server

import (
	"github.com/kestrelvm/kestrel/wire"
)

// ---------------------------------------------------------------------------
// Control-plane message types
// ---------------------------------------------------------------------------
//
// All messages are CBOR with integer keys, like every other serialized
// structure in the engine.

// CreateSandboxRequest creates an isolated sandbox. Zero limits fall back
// to the server's configured defaults; a negative limit means unlimited.
type CreateSandboxRequest struct {
	HeapBytes int64  `cbor:"1,keyasint,omitempty"`
	Tasks     int64  `cbor:"2,keyasint,omitempty"`
	Steps     uint64 `cbor:"3,keyasint,omitempty"`
}

type CreateSandboxResponse struct {
	ContextID uint64 `cbor:"1,keyasint"`
}

// LoadModuleRequest installs an encoded module into a sandbox.
type LoadModuleRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
	Module    []byte `cbor:"2,keyasint"`
}

type LoadModuleResponse struct {
	Functions []string `cbor:"1,keyasint,omitempty"`
}

// RunEntryRequest spawns a task running an entry point.
type RunEntryRequest struct {
	ContextID uint64       `cbor:"1,keyasint"`
	Entry     string       `cbor:"2,keyasint"`
	Args      []wire.Value `cbor:"3,keyasint,omitempty"`
}

type RunEntryResponse struct {
	TaskID uint64 `cbor:"1,keyasint"`
}

// AwaitRequest blocks until a task retires or the timeout passes.
type AwaitRequest struct {
	ContextID     uint64 `cbor:"1,keyasint"`
	TaskID        uint64 `cbor:"2,keyasint"`
	TimeoutMillis int64  `cbor:"3,keyasint,omitempty"`
}

type AwaitResponse struct {
	Status string     `cbor:"1,keyasint"`
	Result wire.Value `cbor:"2,keyasint,omitempty"`
	// GuestError carries a guest failure message; the call itself still
	// succeeds.
	GuestError string `cbor:"3,keyasint,omitempty"`
}

// CancelRequest asks a task to stop at its next safepoint.
type CancelRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
	TaskID    uint64 `cbor:"2,keyasint"`
}

type CancelResponse struct{}

// StatsRequest reads a sandbox's resource counters.
type StatsRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
}

type StatsResponse struct {
	HeapUsed    int64  `cbor:"1,keyasint"`
	HeapPeak    int64  `cbor:"2,keyasint"`
	HeapLimit   int64  `cbor:"3,keyasint"`
	TasksLive   int64  `cbor:"4,keyasint"`
	TasksPeak   int64  `cbor:"5,keyasint"`
	TasksLimit  int64  `cbor:"6,keyasint"`
	Steps       uint64 `cbor:"7,keyasint"`
	StepsLimit  uint64 `cbor:"8,keyasint"`
	Collections uint64 `cbor:"9,keyasint"`
}

// TerminateRequest tears a sandbox down.
type TerminateRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
}

type TerminateResponse struct{}

// FreezeRequest snapshots a quiescent sandbox.
type FreezeRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
}

type FreezeResponse struct {
	Snapshot []byte `cbor:"1,keyasint"`
}

// ThawRequest restores a snapshot into a fresh sandbox.
type ThawRequest struct {
	Snapshot  []byte `cbor:"1,keyasint"`
	HeapBytes int64  `cbor:"2,keyasint,omitempty"`
	Tasks     int64  `cbor:"3,keyasint,omitempty"`
	Steps     uint64 `cbor:"4,keyasint,omitempty"`
}

type ThawResponse struct {
	ContextID uint64 `cbor:"1,keyasint"`
}
