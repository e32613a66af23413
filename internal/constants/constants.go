// Package constants holds shared numeric and timing defaults for the
// admission, lifecycle and flush packages.
package constants

import "time"

// Default admission limits.
const (
	// DefaultRequestLimit is the default number of concurrently admitted
	// data/discard requests.
	DefaultRequestLimit = 2000

	// DiscardLimitNumerator and DiscardLimitDenominator express the
	// discard sub-limit as 3/4 of the request limit.
	DiscardLimitNumerator   = 3
	DiscardLimitDenominator = 4
)

// DiscardLimit computes the discard sub-limit for a given request limit.
func DiscardLimit(requestLimit int) int {
	return requestLimit * DiscardLimitNumerator / DiscardLimitDenominator
}

// SyncFlushRetryDelay is the backoff between synchronous-flush retries
// after an interrupted wait.
const SyncFlushRetryDelay = 1 * time.Millisecond

// Geometry block layout.
const (
	// GeometryBlockNumber is the fixed location of the geometry block.
	GeometryBlockNumber = 0

	// FlatPageOrigin is the only value decode() accepts for
	// region_table flat_page_origin.
	FlatPageOrigin = 1

	// GeometryHeaderSize is the encoded size of the fixed header plus
	// the region table; the index config and the trailing CRC32
	// checksum follow it.
	GeometryHeaderSize = 64
)

// Default logical block size used when a configuration omits it.
const DefaultLogicalBlockSize = 4096
