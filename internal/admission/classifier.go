package admission

import (
	"errors"
	"fmt"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
)

// ErrInvalidRequest is the classifier's rejection. The public package
// maps it to the invalid-request category at the block-layer boundary.
var ErrInvalidRequest = errors.New("invalid request")

// Classify validates a request and assigns its dispatch route.
// delegatedFlush selects the passthrough route for flushes when the
// underlying device owns flush semantics instead of the engine.
//
// Rules, in order: the operation must be one of read/write/flush/
// discard; a flush or pre-flush-marked request must carry no payload;
// everything else must carry one.
func Classify(req *interfaces.Request, delegatedFlush bool) (interfaces.Route, error) {
	switch req.Operation {
	case interfaces.OpRead, interfaces.OpWrite, interfaces.OpFlush, interfaces.OpDiscard:
	default:
		return 0, fmt.Errorf("%w: unknown operation %d", ErrInvalidRequest, int(req.Operation))
	}

	if req.Operation == interfaces.OpFlush || req.PreFlush {
		if req.PayloadSize != 0 {
			return 0, fmt.Errorf("%w: flush carries %d payload bytes", ErrInvalidRequest, req.PayloadSize)
		}
		if delegatedFlush {
			return interfaces.RouteFlushPassthrough, nil
		}
		return interfaces.RouteFlushOwn, nil
	}

	if req.PayloadSize == 0 {
		return 0, fmt.Errorf("%w: %s with empty payload", ErrInvalidRequest, req.Operation)
	}

	if req.Operation == interfaces.OpDiscard {
		return interfaces.RouteDiscard, nil
	}
	return interfaces.RouteData, nil
}
