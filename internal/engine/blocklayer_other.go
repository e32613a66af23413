//go:build !linux

package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/vdo-kvdo/kvdo-front/internal/interfaces"
)

// fileBlockLayer is the portable fallback over *os.File for platforms
// without io_uring.
type fileBlockLayer struct {
	file      *os.File
	blockSize int
}

// OpenBlockLayer opens the backing device at path.
func OpenBlockLayer(path string, blockSize int) (interfaces.BlockLayer, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing device %s: %w", path, err)
	}
	return &fileBlockLayer{file: file, blockSize: blockSize}, nil
}

func (l *fileBlockLayer) BlockSize() int {
	return l.blockSize
}

func (l *fileBlockLayer) ReadBlock(ctx context.Context, blockNumber uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) != l.blockSize {
		return fmt.Errorf("read block %d: buffer is %d bytes, want %d", blockNumber, len(buf), l.blockSize)
	}
	_, err := l.file.ReadAt(buf, int64(blockNumber)*int64(l.blockSize))
	return err
}

func (l *fileBlockLayer) WriteBlock(ctx context.Context, blockNumber uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) != l.blockSize {
		return fmt.Errorf("write block %d: buffer is %d bytes, want %d", blockNumber, len(buf), l.blockSize)
	}
	_, err := l.file.WriteAt(buf, int64(blockNumber)*int64(l.blockSize))
	return err
}

func (l *fileBlockLayer) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *fileBlockLayer) Close() error {
	return l.file.Close()
}
