package kvdo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/vdo-kvdo/kvdo-front/internal/constants"
)

// The geometry block lives at block 0 of the backing device and is
// read once during construction through a synchronous single-block
// reader installed temporarily on the engine's layer. All fields are
// packed little-endian and the record is wrapped in a CRC32 (IEEE)
// checksum.
//
// Layout:
//
//	 0:4   release version
//	 4:12  nonce
//	12:28  uuid
//	28:32  flat page origin (always canonical)
//	32:36  flat page count (always zero)
//	36:40  encoded size, including the trailing checksum
//	40:64  region table: (id, start block) for INDEX then DATA
//	64:76  index config: mem, checkpoint frequency, sparse flag
//	76:80  CRC32 over bytes 0:76

// Region identifiers within the geometry region table.
const (
	RegionIndex uint32 = iota
	RegionData
)

const (
	geometryEncodedSize = 80
	geometryCRCOffset   = geometryEncodedSize - 4
)

// ErrBadGeometry is wrapped by every geometry decode rejection.
var ErrBadGeometry = errors.New("bad geometry block")

// VolumeRegion locates one region of the backing device.
type VolumeRegion struct {
	ID         uint32
	StartBlock uint64
}

// IndexConfig carries the dedupe index parameters persisted in the
// geometry; the front-end only transports them.
type IndexConfig struct {
	Mem                 uint32
	CheckpointFrequency uint32
	Sparse              bool
}

// Geometry is the decoded geometry block.
type Geometry struct {
	ReleaseVersion uint32
	Nonce          uint64
	UUID           [16]byte
	Regions        [2]VolumeRegion
	Index          IndexConfig
}

// Encode packs the geometry little-endian and appends the checksum.
func (g *Geometry) Encode() []byte {
	buf := make([]byte, geometryEncodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], g.ReleaseVersion)
	binary.LittleEndian.PutUint64(buf[4:12], g.Nonce)
	copy(buf[12:28], g.UUID[:])
	binary.LittleEndian.PutUint32(buf[28:32], constants.FlatPageOrigin)
	binary.LittleEndian.PutUint32(buf[32:36], 0) // flat page count
	binary.LittleEndian.PutUint32(buf[36:40], geometryEncodedSize)

	// The region table order is fixed: INDEX then DATA.
	offset := 40
	for i, region := range g.Regions {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(i))
		binary.LittleEndian.PutUint64(buf[offset+4:offset+12], region.StartBlock)
		offset += 12
	}

	binary.LittleEndian.PutUint32(buf[64:68], g.Index.Mem)
	binary.LittleEndian.PutUint32(buf[68:72], g.Index.CheckpointFrequency)
	if g.Index.Sparse {
		buf[72] = 1
	}

	crc := crc32.ChecksumIEEE(buf[:geometryCRCOffset])
	binary.LittleEndian.PutUint32(buf[geometryCRCOffset:], crc)
	return buf
}

// DecodeGeometry unpacks and validates an encoded geometry block.
func DecodeGeometry(data []byte) (*Geometry, error) {
	if len(data) < geometryEncodedSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrBadGeometry, len(data), geometryEncodedSize)
	}

	if origin := binary.LittleEndian.Uint32(data[28:32]); origin != constants.FlatPageOrigin {
		return nil, fmt.Errorf("%w: flat page origin %d, want %d", ErrBadGeometry, origin, constants.FlatPageOrigin)
	}
	if count := binary.LittleEndian.Uint32(data[32:36]); count != 0 {
		return nil, fmt.Errorf("%w: nonzero flat page count %d", ErrBadGeometry, count)
	}
	if size := binary.LittleEndian.Uint32(data[36:40]); size != geometryEncodedSize {
		return nil, fmt.Errorf("%w: trailing byte count %d does not match header size %d", ErrBadGeometry, size, geometryEncodedSize)
	}

	want := binary.LittleEndian.Uint32(data[geometryCRCOffset:geometryEncodedSize])
	if got := crc32.ChecksumIEEE(data[:geometryCRCOffset]); got != want {
		return nil, fmt.Errorf("%w: checksum %08x, want %08x", ErrBadGeometry, got, want)
	}

	g := &Geometry{
		ReleaseVersion: binary.LittleEndian.Uint32(data[0:4]),
		Nonce:          binary.LittleEndian.Uint64(data[4:12]),
	}
	copy(g.UUID[:], data[12:28])

	offset := 40
	for i := range g.Regions {
		g.Regions[i].ID = binary.LittleEndian.Uint32(data[offset : offset+4])
		g.Regions[i].StartBlock = binary.LittleEndian.Uint64(data[offset+4 : offset+12])
		offset += 12
	}
	if g.Regions[0].ID != RegionIndex || g.Regions[1].ID != RegionData {
		return nil, fmt.Errorf("%w: region table order %d,%d", ErrBadGeometry, g.Regions[0].ID, g.Regions[1].ID)
	}

	g.Index.Mem = binary.LittleEndian.Uint32(data[64:68])
	g.Index.CheckpointFrequency = binary.LittleEndian.Uint32(data[68:72])
	g.Index.Sparse = data[72] != 0
	return g, nil
}

// ReadGeometry reads and decodes the geometry block from the backing
// device through the given layer.
func ReadGeometry(ctx context.Context, layer BlockLayer) (*Geometry, error) {
	buf := make([]byte, layer.BlockSize())
	if err := layer.ReadBlock(ctx, constants.GeometryBlockNumber, buf); err != nil {
		return nil, fmt.Errorf("read geometry block: %w", err)
	}
	return DecodeGeometry(buf)
}

// WriteGeometry encodes and writes the geometry block, padding it to
// the device block size. Used by formatting tools and tests.
func WriteGeometry(ctx context.Context, layer BlockLayer, g *Geometry) error {
	buf := make([]byte, layer.BlockSize())
	copy(buf, g.Encode())
	return layer.WriteBlock(ctx, constants.GeometryBlockNumber, buf)
}
