package parallel

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/dist"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// ColumnParallelLinear is a dense projection whose output features are
// partitioned across the device group. Each rank holds the full input
// width and a contiguous slice of output rows; its forward pass is a plain
// local matmul producing a genuine partial-width output, so no
// communication is needed; a downstream RowParallelLinear consumes the
// partial width directly.
type ColumnParallelLinear struct {
	Weight *tensor.Mat // [out/world x in]
	Bias   []float32   // local slice, nil when the source had no bias

	comm *dist.Comm
	in   int
	out  int // local
}

// NewColumnParallelLinear copies rank's output-feature slice of src into a
// new module. Ownership of the parameters transfers to the result; the
// source is meant to be discarded by the caller.
func NewColumnParallelLinear(src *nn.Dense, comm *dist.Comm) (*ColumnParallelLinear, error) {
	w, err := tensor.ShardRows(src.Weight, comm.Rank(), comm.WorldSize())
	if err != nil {
		return nil, fmt.Errorf("parallel: column shard: %w", err)
	}
	var b []float32
	if src.Bias != nil {
		b, err = tensor.ShardVec(src.Bias, comm.Rank(), comm.WorldSize())
		if err != nil {
			return nil, fmt.Errorf("parallel: column bias shard: %w", err)
		}
	}
	return &ColumnParallelLinear{
		Weight: w,
		Bias:   b,
		comm:   comm,
		in:     src.Weight.C,
		out:    w.R,
	}, nil
}

func (l *ColumnParallelLinear) Children() []nn.Slot { return nil }

func (l *ColumnParallelLinear) InFeatures() int { return l.in }

// OutFeatures returns the local (partial) output width.
func (l *ColumnParallelLinear) OutFeatures() int { return l.out }

// Comm exposes the device-group handle, needed when fusing several
// column-parallel projections into one operator.
func (l *ColumnParallelLinear) Comm() *dist.Comm { return l.comm }

func (l *ColumnParallelLinear) Forward(_ context.Context, dst, x []float32) error {
	if len(x) < l.in || len(dst) < l.out {
		return fmt.Errorf("parallel: column-parallel shape mismatch: x=%d dst=%d weight=[%d,%d]",
			len(x), len(dst), l.out, l.in)
	}
	tensor.MatVec(dst, l.Weight, x)
	if l.Bias != nil {
		for i := range l.Bias {
			dst[i] += l.Bias[i]
		}
	}
	return nil
}

// RowParallelLinear is a dense projection whose input features are
// partitioned across the device group. Each rank holds a contiguous slice
// of input columns and the full output width; its forward pass sum-reduces
// the partial outputs across the group, which is the per-layer
// synchronization point. The bias is kept whole and added after the
// reduction, identically on every rank.
type RowParallelLinear struct {
	Weight *tensor.Mat // [out x in/world]
	Bias   []float32   // full width, nil when the source had no bias

	comm *dist.Comm
	in   int // local
	out  int
}

// NewRowParallelLinear copies rank's input-feature slice of src into a new
// module. Ownership of the parameters transfers to the result.
func NewRowParallelLinear(src *nn.Dense, comm *dist.Comm) (*RowParallelLinear, error) {
	w, err := tensor.ShardCols(src.Weight, comm.Rank(), comm.WorldSize())
	if err != nil {
		return nil, fmt.Errorf("parallel: row shard: %w", err)
	}
	var b []float32
	if src.Bias != nil {
		b = append([]float32(nil), src.Bias...)
	}
	return &RowParallelLinear{
		Weight: w,
		Bias:   b,
		comm:   comm,
		in:     w.C,
		out:    src.Weight.R,
	}, nil
}

func (l *RowParallelLinear) Children() []nn.Slot { return nil }

// InFeatures returns the local (partial) input width.
func (l *RowParallelLinear) InFeatures() int { return l.in }

func (l *RowParallelLinear) OutFeatures() int { return l.out }

// Comm exposes the device-group handle.
func (l *RowParallelLinear) Comm() *dist.Comm { return l.comm }

func (l *RowParallelLinear) Forward(ctx context.Context, dst, x []float32) error {
	if len(x) < l.in || len(dst) < l.out {
		return fmt.Errorf("parallel: row-parallel shape mismatch: x=%d dst=%d weight=[%d,%d]",
			len(x), len(dst), l.out, l.in)
	}
	tensor.MatVec(dst, l.Weight, x)
	if err := l.comm.AllReduceSum(ctx, dst[:l.out]); err != nil {
		return err
	}
	if l.Bias != nil {
		for i := range l.Bias {
			dst[i] += l.Bias[i]
		}
	}
	return nil
}
