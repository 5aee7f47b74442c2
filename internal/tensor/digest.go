package tensor

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Sum64 returns a content digest of the vector. Two vectors have equal
// digests exactly when they are bit-for-bit identical, which is how
// replicated buffers are compared across ranks.
func Sum64(v []float32) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Sum64 returns a content digest of the matrix elements in row-major order.
func (m *Mat) Sum64() uint64 {
	h := xxhash.New()
	var buf [4]byte
	for i := 0; i < m.R; i++ {
		for _, f := range m.Row(i) {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
			_, _ = h.Write(buf[:])
		}
	}
	return h.Sum64()
}
