package kvdo

import "github.com/vdo-kvdo/kvdo-front/internal/constants"

// Re-export constants for public API
const (
	DefaultRequestLimit     = constants.DefaultRequestLimit
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	GeometryBlockNumber     = constants.GeometryBlockNumber
)

// DefaultDiscardLimit returns the discard sub-limit for the default
// request limit.
func DefaultDiscardLimit() int {
	return constants.DiscardLimit(constants.DefaultRequestLimit)
}
