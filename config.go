package kvdo

import (
	"fmt"

	"github.com/vdo-kvdo/kvdo-front/internal/constants"
)

// WritePolicy selects how writes are made durable.
type WritePolicy string

const (
	WritePolicySync        WritePolicy = "sync"
	WritePolicyAsync       WritePolicy = "async"
	WritePolicyAsyncUnsafe WritePolicy = "async-unsafe"
)

// ThreadCounts sizes the worker pools an instance creates. All counts
// are fixed at init.
type ThreadCounts struct {
	LogicalZones        int
	PhysicalZones       int
	HashZones           int
	CPUThreads          int
	BioThreads          int
	BioAckThreads       int
	BioRotationInterval int
}

// Config is the configuration snapshot an instance is created from.
// Everything is immutable after init except WritePolicy (mutable
// across suspend/resume) and the two sizes, which grow only through
// the prepare+grow protocol while suspended.
type Config struct {
	PoolName           string
	ParentDeviceName   string
	LogicalBlockSize   int
	CacheSize          uint64
	BlockMapMaximumAge uint64
	MDRaid5ModeEnabled bool
	ThreadCounts       ThreadCounts

	WritePolicy   WritePolicy
	Deduplication bool

	PhysicalBlocks uint64
	LogicalBytes   uint64

	// RequestLimit bounds concurrently admitted requests; the discard
	// sub-limit is derived as 3/4 of it.
	RequestLimit int

	// DelegatedFlush hands flush semantics to the backing device; the
	// front-end then remaps flushes instead of running them through
	// the engine.
	DelegatedFlush bool
}

// withDefaults fills unset fields with their defaults.
func (c Config) withDefaults() Config {
	if c.LogicalBlockSize == 0 {
		c.LogicalBlockSize = constants.DefaultLogicalBlockSize
	}
	if c.RequestLimit == 0 {
		c.RequestLimit = constants.DefaultRequestLimit
	}
	if c.WritePolicy == "" {
		c.WritePolicy = WritePolicySync
	}
	if c.ThreadCounts.CPUThreads == 0 {
		c.ThreadCounts.CPUThreads = 1
	}
	if c.ThreadCounts.BioThreads == 0 {
		c.ThreadCounts.BioThreads = 1
	}
	return c
}

// DiscardLimit returns the discard sub-limit derived from the request
// limit.
func (c Config) DiscardLimit() int {
	return constants.DiscardLimit(c.RequestLimit)
}

// Validate rejects configurations an instance cannot be built from.
func (c Config) Validate() error {
	if c.PoolName == "" {
		return NewError("create", ErrCodeParameterMismatch, "pool_name is required")
	}
	if c.ParentDeviceName == "" {
		return NewPoolError("create", c.PoolName, ErrCodeParameterMismatch, "parent_device_name is required")
	}
	if c.LogicalBlockSize <= 0 || c.LogicalBlockSize&(c.LogicalBlockSize-1) != 0 {
		return NewPoolError("create", c.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("logical_block_size %d is not a positive power of two", c.LogicalBlockSize))
	}
	if c.LogicalBytes%uint64(c.LogicalBlockSize) != 0 {
		return NewPoolError("create", c.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("logical_bytes %d is not a multiple of the %d-byte block size", c.LogicalBytes, c.LogicalBlockSize))
	}
	switch c.WritePolicy {
	case WritePolicySync, WritePolicyAsync, WritePolicyAsyncUnsafe:
	default:
		return NewPoolError("create", c.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("unknown write_policy %q", c.WritePolicy))
	}
	if c.RequestLimit <= 0 {
		return NewPoolError("create", c.PoolName, ErrCodeParameterMismatch,
			fmt.Sprintf("request limit %d must be positive", c.RequestLimit))
	}
	return nil
}

// diffImmutable rejects any change to a field that is fixed after
// init. The sizes are called out separately because they have their
// own grow protocol, and deduplication can only be chosen at start.
func (c Config) diffImmutable(next Config) error {
	reject := func(field string) error {
		return NewPoolError("modify", c.PoolName, ErrCodeParameterMismatch, field+" is immutable")
	}
	switch {
	case next.PoolName != c.PoolName:
		return reject("pool_name")
	case next.ParentDeviceName != c.ParentDeviceName:
		return reject("parent_device_name")
	case next.LogicalBlockSize != c.LogicalBlockSize:
		return reject("logical_block_size")
	case next.CacheSize != c.CacheSize:
		return reject("cache_size")
	case next.BlockMapMaximumAge != c.BlockMapMaximumAge:
		return reject("block_map_maximum_age")
	case next.MDRaid5ModeEnabled != c.MDRaid5ModeEnabled:
		return reject("md_raid5_mode_enabled")
	case next.ThreadCounts != c.ThreadCounts:
		return reject("thread_counts")
	case next.RequestLimit != c.RequestLimit:
		return reject("request limit")
	case next.DelegatedFlush != c.DelegatedFlush:
		return reject("flush delegation")
	case next.Deduplication != c.Deduplication:
		return NewPoolError("modify", c.PoolName, ErrCodeParameterMismatch,
			"deduplication can only be enabled at start")
	case next.PhysicalBlocks != c.PhysicalBlocks:
		return NewPoolError("modify", c.PoolName, ErrCodeParameterMismatch,
			"physical_blocks grows only via prepare+grow while suspended")
	case next.LogicalBytes != c.LogicalBytes:
		return NewPoolError("modify", c.PoolName, ErrCodeParameterMismatch,
			"logical_bytes grows only via prepare+grow while suspended")
	}
	return nil
}
