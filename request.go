package kvdo

import "github.com/vdo-kvdo/kvdo-front/internal/interfaces"

// The request model lives in internal/interfaces so the internal
// packages can share it without importing this package; these aliases
// are the public names.

// Operation identifies the kind of a Request.
type Operation = interfaces.Operation

const (
	OpRead    = interfaces.OpRead
	OpWrite   = interfaces.OpWrite
	OpFlush   = interfaces.OpFlush
	OpDiscard = interfaces.OpDiscard
)

// Request is the opaque unit of work submitted to the admission
// front-end.
//
// Invariant: a request with Operation == OpFlush or PreFlush set has
// PayloadSize == 0; every other request has a PayloadSize > 0 that is
// a multiple of the device block size. The classifier enforces this.
type Request = interfaces.Request

// Route is the classifier's dispatch decision for a Request.
type Route = interfaces.Route

const (
	RouteFlushOwn         = interfaces.RouteFlushOwn
	RouteFlushPassthrough = interfaces.RouteFlushPassthrough
	RouteDiscard          = interfaces.RouteDiscard
	RouteData             = interfaces.RouteData
)

// DispatchOutcome is returned by Instance.Submit per the block-layer
// contract: SUBMITTED completes asynchronously, REMAPPED redirects the
// request to the backing device unchanged, ERROR completes with the
// mapped error.
type DispatchOutcome = interfaces.DispatchOutcome

const (
	OutcomeSubmitted = interfaces.OutcomeSubmitted
	OutcomeRemapped  = interfaces.OutcomeRemapped
	OutcomeError     = interfaces.OutcomeError
)

// PermitBundle records which permits were acquired for a Request
// before engine hand-off, so exactly those are released on completion.
type PermitBundle = interfaces.PermitBundle

// Completion is the message an Engine publishes when a request it owns
// has finished.
type Completion = interfaces.Completion

// Engine is the contract the front-end requires from the underlying
// storage engine.
type Engine = interfaces.Engine

// BlockLayer is the synchronous single-block reader/writer used for
// the geometry read at construction and the pre-flush barrier during
// suspend.
type BlockLayer = interfaces.BlockLayer

// Dedupe is the external deduplication collaborator.
type Dedupe = interfaces.Dedupe

// ErrInterrupted is returned by a BlockLayer when a synchronous
// operation was interrupted before completing.
var ErrInterrupted = interfaces.ErrInterrupted
