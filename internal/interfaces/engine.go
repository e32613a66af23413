package interfaces

import (
	"context"
	"errors"
)

// ErrInterrupted is returned by a BlockLayer when a synchronous
// operation was interrupted before completing. Callers may retry.
var ErrInterrupted = errors.New("block layer operation interrupted")

// Engine is the contract the front-end requires from the underlying
// storage engine. The front-end owns the engine; the engine holds at
// most a weak back-reference to its instance.
type Engine interface {
	// Submit hands a classified request and its permit bundle to the
	// engine. The engine takes ownership of both for the lifetime of
	// the request and must eventually publish a Completion for it,
	// even when Submit returns an error.
	Submit(ctx context.Context, req *Request, permits PermitBundle) error

	// Completions is the channel the engine publishes request
	// completions on. The instance subscribes once and drains it
	// until the engine is destroyed.
	Completions() <-chan Completion

	// SetCompressing toggles the packer and returns the prior value.
	SetCompressing(enabled bool) bool

	// Lifecycle hooks. Suspend persists metadata iff save is true.
	Suspend(save bool) error
	Resume() error
	Stop() error
	Destroy() error

	// SetReadOnly forces the engine into a fail-safe state where only
	// reads of already-mapped data succeed.
	SetReadOnly(code int)

	// Two-phase online resize. The front-end forbids grow without a
	// prior prepare, and forbids any resize outside SUSPENDED.
	PrepareGrowLogical(n uint64) error
	GrowLogical(n uint64) error
	PrepareGrowPhysical(n uint64) error
	GrowPhysical(n uint64) error

	// WorkerPoolContains reports whether the calling context belongs
	// to one of this engine's own worker pools. Worker-pool code marks
	// the contexts it runs tasks under; blocking admission is
	// forbidden on those contexts.
	WorkerPoolContains(ctx context.Context) bool
}

// BlockLayer is the synchronous single-block reader/writer the
// front-end borrows from the engine's layer: once at construction to
// read the geometry block, and during suspend for the synchronous
// pre-flush barrier.
type BlockLayer interface {
	// ReadBlock reads the block at the given block number into buf,
	// which must be exactly one block long.
	ReadBlock(ctx context.Context, blockNumber uint64, buf []byte) error

	// WriteBlock writes one block at the given block number.
	WriteBlock(ctx context.Context, blockNumber uint64, buf []byte) error

	// Flush issues a write-preflush barrier to the backing device and
	// blocks until it is durable. Returns ErrInterrupted if the wait
	// was interrupted before completing.
	Flush(ctx context.Context) error

	// BlockSize returns the device block size in bytes.
	BlockSize() int

	Close() error
}

// Dedupe is the external deduplication collaborator. Its timeout
// semantics are its own; the front-end only drives suspend and resume
// around the engine's, passing the save flag through.
type Dedupe interface {
	Suspend(save bool) error
	Resume() error
}
