// Command kvdo-mem runs the admission front-end over an in-memory
// engine and a file-backed block layer: it formats a scratch backing
// file with a geometry block, drives a small write/flush/read
// workload through the instance, exercises suspend/resume, and prints
// the counter set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	kvdo "github.com/vdo-kvdo/kvdo-front"
	"github.com/vdo-kvdo/kvdo-front/backend"
	facade "github.com/vdo-kvdo/kvdo-front/internal/engine"
	"github.com/vdo-kvdo/kvdo-front/internal/logging"
)

func main() {
	var (
		sizeStr     = flag.String("size", "64M", "Size of the memory engine (e.g., 64M, 1G)")
		writes      = flag.Int("writes", 64, "Number of 4K writes in the sample workload")
		workers     = flag.Int("workers", 2, "Engine worker threads")
		metricsAddr = flag.String("metrics", "", "Address for the Prometheus /metrics endpoint (empty to disable)")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx := context.Background()
	const blockSize = kvdo.DefaultLogicalBlockSize

	// Format a scratch backing file with a geometry block; the
	// instance reads it back during construction.
	backing, err := os.CreateTemp("", "kvdo-backing-*.img")
	if err != nil {
		log.Fatalf("create backing file: %v", err)
	}
	defer os.Remove(backing.Name())
	if err := backing.Truncate(1 << 20); err != nil {
		log.Fatalf("size backing file: %v", err)
	}
	backing.Close()

	layer, err := facade.OpenBlockLayer(backing.Name(), blockSize)
	if err != nil {
		log.Fatalf("open block layer: %v", err)
	}
	geometry := &kvdo.Geometry{
		ReleaseVersion: 1,
		Nonce:          uint64(time.Now().UnixNano()),
		Regions: [2]kvdo.VolumeRegion{
			{ID: kvdo.RegionIndex, StartBlock: 1},
			{ID: kvdo.RegionData, StartBlock: 1025},
		},
		Index: kvdo.IndexConfig{Mem: 256},
	}
	if err := kvdo.WriteGeometry(ctx, layer, geometry); err != nil {
		log.Fatalf("write geometry: %v", err)
	}

	eng := backend.NewMemEngine(size, blockSize, *workers, logger)

	var completed atomic.Int64
	cfg := kvdo.Config{
		PoolName:         "kvdo-mem",
		ParentDeviceName: backing.Name(),
		LogicalBlockSize: blockSize,
		LogicalBytes:     uint64(size),
		PhysicalBlocks:   uint64(size / blockSize),
		ThreadCounts: kvdo.ThreadCounts{
			CPUThreads:    *workers,
			BioThreads:    *workers,
			BioAckThreads: 1,
		},
	}
	inst, err := kvdo.NewInstance(cfg, eng, layer, &kvdo.Options{
		Logger: logger,
		OnComplete: func(id uint64, hostCode int) {
			completed.Add(1)
			if hostCode != 0 {
				logger.Warn("request failed", "request", id, "code", hostCode)
			}
		},
	})
	if err != nil {
		log.Fatalf("create instance: %v", err)
	}
	defer inst.Destroy(ctx)

	if err := inst.Preload(); err != nil {
		log.Fatalf("preload: %v", err)
	}
	if err := inst.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	logger.Info("instance running", "engine_size", formatSize(size))

	if *metricsAddr != "" {
		kvdo.ServeMetrics(*metricsAddr, kvdo.NewCollector(inst.Metrics(), cfg.PoolName))
		logger.Info("serving metrics", "addr", *metricsAddr)
	}

	// Sample workload: writes, a pre-flush barrier, then reads.
	id := uint64(0)
	expected := int64(0)
	submit := func(req *kvdo.Request) {
		outcome, err := inst.Submit(ctx, req)
		if err != nil {
			log.Fatalf("submit %d: %v", req.ID, err)
		}
		if outcome == kvdo.OutcomeSubmitted {
			expected++
		}
	}

	for i := 0; i < *writes; i++ {
		id++
		payload := make([]byte, blockSize)
		for j := range payload {
			payload[j] = byte(i)
		}
		submit(&kvdo.Request{
			ID:          id,
			Operation:   kvdo.OpWrite,
			PayloadSize: blockSize,
			Offset:      int64(i) * blockSize,
			Payload:     payload,
		})
	}
	id++
	submit(&kvdo.Request{ID: id, Operation: kvdo.OpFlush})
	for i := 0; i < *writes; i++ {
		id++
		submit(&kvdo.Request{
			ID:          id,
			Operation:   kvdo.OpRead,
			PayloadSize: blockSize,
			Offset:      int64(i) * blockSize,
			Payload:     make([]byte, blockSize),
		})
	}

	waitFor(func() bool { return completed.Load() == expected }, 5*time.Second)
	logger.Info("workload complete", "requests", expected)

	// A suspend/resume cycle drains, flushes and persists.
	if err := inst.Suspend(ctx, false); err != nil {
		log.Fatalf("suspend: %v", err)
	}
	if err := inst.Resume(); err != nil {
		log.Fatalf("resume: %v", err)
	}

	snap := inst.Metrics().Snapshot()
	fmt.Printf("pool:        %s\n", inst.PoolName())
	fmt.Printf("state:       %s\n", inst.State())
	fmt.Printf("reads:       %d\n", snap.ReadOps)
	fmt.Printf("writes:      %d\n", snap.WriteOps)
	fmt.Printf("flushes:     %d\n", snap.FlushOps)
	fmt.Printf("submitted:   %d\n", snap.SubmittedOps)
	fmt.Printf("sync flush:  %d\n", snap.SyncFlushOps)
	fmt.Printf("uptime:      %s\n", time.Duration(snap.UptimeNs))

	if err := inst.Stop(ctx); err != nil {
		log.Fatalf("stop: %v", err)
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// parseSize interprets a size like "64M", "1G" or "512K" as bytes.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	shift := 0
	switch {
	case strings.HasSuffix(s, "G"):
		shift, s = 30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		shift, s = 20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		shift, s = 10, strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("not a size: %q", s)
	}
	return n << shift, nil
}

// formatSize renders a byte count with a binary suffix.
func formatSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
