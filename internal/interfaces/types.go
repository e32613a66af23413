// Package interfaces provides internal type and interface definitions
// shared by the admission, lifecycle and flush packages. These are
// separate from the public kvdo package to avoid circular imports
// between the main package and internal packages; the kvdo package
// re-exports them under the same names.
package interfaces

import "fmt"

// Operation identifies the kind of a Request.
type Operation int

const (
	OpRead Operation = iota
	OpWrite
	OpFlush
	OpDiscard
)

func (op Operation) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDiscard:
		return "discard"
	default:
		return fmt.Sprintf("Operation(%d)", int(op))
	}
}

// Request is the opaque unit of work submitted to the admission front-end.
//
// Invariant: a request with Operation == OpFlush or PreFlush set has
// PayloadSize == 0; every other request has a PayloadSize > 0 that is a
// multiple of the device block size. The classifier enforces this.
type Request struct {
	Operation   Operation
	PayloadSize int64
	PreFlush    bool
	FUA         bool
	ArrivalTick int64

	// Offset is the starting byte offset of the payload on the virtual
	// device. The front-end passes it through to the engine untouched.
	Offset int64

	// Payload carries the data for writes and receives it for reads.
	// The front-end never inspects it.
	Payload []byte

	// ID is an opaque handle the caller can use to correlate this
	// Request with its completion; the core never interprets it.
	ID uint64
}

// Route is the classifier's dispatch decision for a Request.
type Route int

const (
	RouteFlushOwn Route = iota
	RouteFlushPassthrough
	RouteDiscard
	RouteData
)

func (r Route) String() string {
	switch r {
	case RouteFlushOwn:
		return "flush-own"
	case RouteFlushPassthrough:
		return "flush-passthrough"
	case RouteDiscard:
		return "discard"
	case RouteData:
		return "data"
	default:
		return fmt.Sprintf("Route(%d)", int(r))
	}
}

// DispatchOutcome is returned by the admission controller and by the
// block-layer contract.
type DispatchOutcome int

const (
	OutcomeSubmitted DispatchOutcome = iota
	OutcomeRemapped
	OutcomeError
)

func (o DispatchOutcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "SUBMITTED"
	case OutcomeRemapped:
		return "REMAPPED"
	case OutcomeError:
		return "ERROR"
	default:
		return fmt.Sprintf("DispatchOutcome(%d)", int(o))
	}
}

// PermitBundle records which permits were acquired for a Request before
// engine hand-off. The engine owns the bundle for the lifetime of the
// request and reports it back in the Completion so that exactly the
// permits acquired are released, exactly once.
type PermitBundle struct {
	RequestPermit bool
	DiscardPermit bool
}

// Completion is the message an engine publishes when a request it owns
// has finished. Permit release happens in the instance's completion
// context, never on the engine's stack.
type Completion struct {
	RequestID uint64
	Route     Route
	Result    int // 0 on success, otherwise an engine error code
	Permits   PermitBundle
}
