package parallel

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/dist"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// VocabParallelEmbedding is a lookup table whose vocabulary axis is
// partitioned across the device group. A token id outside a rank's
// [start, end) slice contributes an exact zero vector; the per-rank
// contributions are sum-reduced so every rank ends up with the full
// embedding row.
type VocabParallelEmbedding struct {
	Weight *tensor.Mat // [vocab/world x dim]

	comm       *dist.Comm
	vocab      int
	dim        int
	start, end int
}

// NewVocabParallelEmbedding copies rank's vocabulary slice of src into a
// new module. Ownership of the parameters transfers to the result.
func NewVocabParallelEmbedding(src *nn.Embedding, comm *dist.Comm) (*VocabParallelEmbedding, error) {
	lo, hi, err := tensor.ShardBounds(src.Weight.R, comm.Rank(), comm.WorldSize())
	if err != nil {
		return nil, fmt.Errorf("parallel: vocab shard: %w", err)
	}
	w, err := tensor.ShardRows(src.Weight, comm.Rank(), comm.WorldSize())
	if err != nil {
		return nil, fmt.Errorf("parallel: vocab shard: %w", err)
	}
	return &VocabParallelEmbedding{
		Weight: w,
		comm:   comm,
		vocab:  src.Weight.R,
		dim:    src.Weight.C,
		start:  lo,
		end:    hi,
	}, nil
}

func (e *VocabParallelEmbedding) Children() []nn.Slot { return nil }

// NumEmbeddings returns the full (global) vocabulary size.
func (e *VocabParallelEmbedding) NumEmbeddings() int { return e.vocab }

func (e *VocabParallelEmbedding) Dim() int { return e.dim }

// Bounds returns the half-open vocabulary range owned by this rank.
func (e *VocabParallelEmbedding) Bounds() (lo, hi int) { return e.start, e.end }

func (e *VocabParallelEmbedding) Lookup(ctx context.Context, dst []float32, id int) error {
	if id < 0 || id >= e.vocab {
		return fmt.Errorf("parallel: embedding id %d out of range [0,%d)", id, e.vocab)
	}
	e.localLookup(dst, id)
	return e.comm.AllReduceSum(ctx, dst[:e.dim])
}

// localLookup writes this rank's contribution: the embedding row when id
// falls inside the local slice, zeros otherwise.
func (e *VocabParallelEmbedding) localLookup(dst []float32, id int) {
	if id >= e.start && id < e.end {
		e.Weight.RowTo(dst, id-e.start)
		return
	}
	tensor.Zero(dst[:e.dim])
}
