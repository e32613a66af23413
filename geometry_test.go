package kvdo

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

func sampleGeometry() *Geometry {
	g := &Geometry{
		ReleaseVersion: 131337,
		Nonce:          0xdeadbeefcafef00d,
		Regions: [2]VolumeRegion{
			{ID: RegionIndex, StartBlock: 1},
			{ID: RegionData, StartBlock: 1025},
		},
		Index: IndexConfig{
			Mem:                 256,
			CheckpointFrequency: 0,
			Sparse:              true,
		},
	}
	copy(g.UUID[:], "0123456789abcdef")
	return g
}

func TestGeometryRoundTrip(t *testing.T) {
	g := sampleGeometry()
	decoded, err := DecodeGeometry(g.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if *decoded != *g {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, g)
	}

	// Zero value with canonical regions round-trips too.
	minimal := &Geometry{Regions: [2]VolumeRegion{{ID: RegionIndex}, {ID: RegionData}}}
	decoded, err = DecodeGeometry(minimal.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if *decoded != *minimal {
		t.Errorf("minimal round trip mismatch: %+v", decoded)
	}
}

func TestGeometryDecodeRejections(t *testing.T) {
	corrupt := func(mutate func(data []byte)) []byte {
		data := sampleGeometry().Encode()
		mutate(data)
		return data
	}
	refresh := func(data []byte) {
		// Recompute the checksum so the corruption under test is the
		// one that fires.
		crc := crc32.ChecksumIEEE(data[:geometryCRCOffset])
		binary.LittleEndian.PutUint32(data[geometryCRCOffset:], crc)
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"short payload", sampleGeometry().Encode()[:40]},
		{"flat page origin", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[28:32], 7)
			refresh(d)
		})},
		{"flat page count", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[32:36], 1)
			refresh(d)
		})},
		{"trailing byte count", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[36:40], geometryEncodedSize+8)
			refresh(d)
		})},
		{"checksum", corrupt(func(d []byte) {
			d[4] ^= 0xff
		})},
		{"region order", corrupt(func(d []byte) {
			binary.LittleEndian.PutUint32(d[40:44], RegionData)
			refresh(d)
		})},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := DecodeGeometry(c.data); !errors.Is(err, ErrBadGeometry) {
				t.Errorf("Expected ErrBadGeometry, got %v", err)
			}
		})
	}
}

func TestGeometryReadWriteThroughLayer(t *testing.T) {
	ctx := context.Background()
	layer := NewMockBlockLayer(4096)
	g := sampleGeometry()

	if err := WriteGeometry(ctx, layer, g); err != nil {
		t.Fatal(err)
	}
	read, err := ReadGeometry(ctx, layer)
	if err != nil {
		t.Fatal(err)
	}
	if *read != *g {
		t.Errorf("layer round trip mismatch: %+v", read)
	}
}
