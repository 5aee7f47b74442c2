package tensor

import "fmt"

// Shard arithmetic. All slice boundaries are pure functions of
// (dimension, rank, world), so every rank computes identical partition
// boundaries without communicating.

// ShardBounds returns the half-open range [lo, hi) that rank owns when dim
// is partitioned evenly across world ranks.
func ShardBounds(dim, rank, world int) (lo, hi int, err error) {
	if world <= 0 {
		return 0, 0, fmt.Errorf("world size must be positive, got %d", world)
	}
	if rank < 0 || rank >= world {
		return 0, 0, fmt.Errorf("rank %d out of range [0,%d)", rank, world)
	}
	if dim%world != 0 {
		return 0, 0, fmt.Errorf("dimension %d not divisible by world size %d", dim, world)
	}
	part := dim / world
	if part == 0 {
		return 0, 0, fmt.Errorf("dimension %d yields empty shard for world size %d", dim, world)
	}
	return rank * part, (rank + 1) * part, nil
}

// ShardRows returns a copy of the row range owned by rank.
func ShardRows(m *Mat, rank, world int) (*Mat, error) {
	lo, hi, err := ShardBounds(m.R, rank, world)
	if err != nil {
		return nil, err
	}
	out := NewMat(hi-lo, m.C)
	for i := lo; i < hi; i++ {
		copy(out.Row(i-lo), m.Row(i))
	}
	return out, nil
}

// ShardCols returns a copy of the column range owned by rank.
func ShardCols(m *Mat, rank, world int) (*Mat, error) {
	lo, hi, err := ShardBounds(m.C, rank, world)
	if err != nil {
		return nil, err
	}
	out := NewMat(m.R, hi-lo)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i)[lo:hi])
	}
	return out, nil
}

// ShardVec returns a copy of the element range owned by rank.
func ShardVec(v []float32, rank, world int) ([]float32, error) {
	lo, hi, err := ShardBounds(len(v), rank, world)
	if err != nil {
		return nil, err
	}
	out := make([]float32, hi-lo)
	copy(out, v[lo:hi])
	return out, nil
}

// ConcatRows stacks the given matrices vertically. All inputs must share
// the same column count. Used when fusing already-sharded operators.
func ConcatRows(ms ...*Mat) (*Mat, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("no matrices to concatenate")
	}
	cols := ms[0].C
	rows := 0
	for _, m := range ms {
		if m.C != cols {
			return nil, fmt.Errorf("column mismatch: %d vs %d", m.C, cols)
		}
		rows += m.R
	}
	out := NewMat(rows, cols)
	r := 0
	for _, m := range ms {
		for i := 0; i < m.R; i++ {
			copy(out.Row(r), m.Row(i))
			r++
		}
	}
	return out, nil
}

// ConcatVecs joins vectors end to end.
func ConcatVecs(vs ...[]float32) []float32 {
	n := 0
	for _, v := range vs {
		n += len(v)
	}
	out := make([]float32, 0, n)
	for _, v := range vs {
		out = append(out, v...)
	}
	return out
}
