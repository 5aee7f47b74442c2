package nn

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/tensor"
)

// Linear is a dense projection y = Wx (+ b). Implementations may perform
// collective communication during Forward, hence the context.
type Linear interface {
	Module
	Forward(ctx context.Context, dst, x []float32) error
	// InFeatures is the width of x accepted by Forward.
	InFeatures() int
	// OutFeatures is the width Forward writes into dst. For partitioned
	// implementations this is the local width.
	OutFeatures() int
}

// Dense is the standard single-device Linear with a [out x in] row-major
// weight and an optional bias.
type Dense struct {
	Weight *tensor.Mat
	Bias   []float32 // nil when the projection has no bias
}

// NewDense allocates a zero dense projection.
func NewDense(in, out int, bias bool) *Dense {
	d := &Dense{Weight: tensor.NewMat(out, in)}
	if bias {
		d.Bias = make([]float32, out)
	}
	return d
}

func (d *Dense) Children() []Slot { return nil }

func (d *Dense) InFeatures() int { return d.Weight.C }

func (d *Dense) OutFeatures() int { return d.Weight.R }

func (d *Dense) Forward(_ context.Context, dst, x []float32) error {
	if len(x) < d.Weight.C || len(dst) < d.Weight.R {
		return fmt.Errorf("nn: dense shape mismatch: x=%d dst=%d weight=[%d,%d]",
			len(x), len(dst), d.Weight.R, d.Weight.C)
	}
	tensor.MatVec(dst, d.Weight, x)
	if d.Bias != nil {
		for i := range d.Bias {
			dst[i] += d.Bias[i]
		}
	}
	return nil
}
