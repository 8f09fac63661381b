package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kittclouds/memengine/internal/errs"
)

// encodeVector little-endian-encodes a float32 vector to bytes, one f32 per
// component, matching spec.md §4.B's "little-endian IEEE-754 f32,
// length-prefixed by explicit dim column" (the length prefix lives in the
// vectors.dim column rather than in the blob itself, so the blob is just
// the flat component array).
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector reverses encodeVector, validating that the blob length
// matches the expected dimension.
func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != dim*4 {
		return nil, errs.New(errs.DataCorruption, "decodeVector",
			fmt.Errorf("blob length %d does not match dim %d (want %d bytes)", len(blob), dim, dim*4))
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
