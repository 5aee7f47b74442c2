package gptj

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/parallel"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// FusedAttention runs the query/key/value projections as a single matmul
// over the vertically concatenated column-parallel weights, then hands off
// to the regular attention tail. Fusion happens after sharding; the
// concatenation transplants the already-sharded tensors without
// re-slicing.
type FusedAttention struct {
	QKV nn.Linear

	attn *Attention
	qkv  []float32
}

func fuseAttention(m nn.Module) (nn.Module, error) {
	a, ok := m.(*Attention)
	if !ok {
		return nil, fmt.Errorf("gptj: fuse attention: got %T", m)
	}
	q, okQ := a.Q.(*parallel.ColumnParallelLinear)
	k, okK := a.K.(*parallel.ColumnParallelLinear)
	v, okV := a.V.(*parallel.ColumnParallelLinear)
	if !okQ || !okK || !okV {
		return nil, fmt.Errorf("gptj: fuse attention: q/k/v not column-parallel (%T, %T, %T)", a.Q, a.K, a.V)
	}
	w, err := tensor.ConcatRows(q.Weight, k.Weight, v.Weight)
	if err != nil {
		return nil, fmt.Errorf("gptj: fuse attention: %w", err)
	}
	var bias []float32
	if q.Bias != nil || k.Bias != nil || v.Bias != nil {
		if q.Bias == nil || k.Bias == nil || v.Bias == nil {
			return nil, fmt.Errorf("gptj: fuse attention: mixed q/k/v bias")
		}
		bias = tensor.ConcatVecs(q.Bias, k.Bias, v.Bias)
	}
	return &FusedAttention{
		QKV:  &nn.Dense{Weight: w, Bias: bias},
		attn: a,
	}, nil
}

func (f *FusedAttention) Children() []nn.Slot {
	return []nn.Slot{
		linearSlot("qkv", &f.QKV),
		linearSlot("out_proj", &f.attn.Out),
	}
}

func (f *FusedAttention) Forward(ctx context.Context, dst, x []float32, pos int) error {
	a := f.attn
	if pos < 0 || pos >= a.maxCtx {
		return fmt.Errorf("gptj: position %d out of context window %d", pos, a.maxCtx)
	}
	a.ensure()
	if len(f.qkv) != 3*a.embedDim {
		f.qkv = make([]float32, 3*a.embedDim)
	}
	if err := f.QKV.Forward(ctx, f.qkv, x); err != nil {
		return err
	}
	e := a.embedDim
	copy(a.q, f.qkv[:e])
	copy(a.kCache.Row(pos), f.qkv[e:2*e])
	copy(a.vCache.Row(pos), f.qkv[2*e:])
	return a.attend(ctx, dst, pos)
}

// FusedMLP folds the fc_in bias add and the GELU into the projection loop
// instead of making separate passes over the intermediate buffer.
type FusedMLP struct {
	In  *parallel.ColumnParallelLinear
	Out nn.Linear

	buf []float32
}

func fuseMLP(m nn.Module) (nn.Module, error) {
	p, ok := m.(*MLP)
	if !ok {
		return nil, fmt.Errorf("gptj: fuse mlp: got %T", m)
	}
	in, ok := p.FcIn.(*parallel.ColumnParallelLinear)
	if !ok {
		return nil, fmt.Errorf("gptj: fuse mlp: fc_in not column-parallel (%T)", p.FcIn)
	}
	return &FusedMLP{In: in, Out: p.FcOut}, nil
}

func (f *FusedMLP) Children() []nn.Slot {
	return []nn.Slot{
		{
			Name: "fc_in",
			Get:  func() nn.Module { return f.In },
			Set: func(m nn.Module) error {
				in, ok := m.(*parallel.ColumnParallelLinear)
				if !ok {
					return fmt.Errorf("gptj: fc_in: got %T", m)
				}
				f.In = in
				return nil
			},
		},
		linearSlot("fc_out", &f.Out),
	}
}

func (f *FusedMLP) Forward(ctx context.Context, dst, x []float32) error {
	if len(f.buf) != f.In.OutFeatures() {
		f.buf = make([]float32, f.In.OutFeatures())
	}
	tensor.MatVec(f.buf, f.In.Weight, x)
	for i, v := range f.buf {
		if f.In.Bias != nil {
			v += f.In.Bias[i]
		}
		f.buf[i] = tensor.GELU(v)
	}
	return f.Out.Forward(ctx, dst, f.buf)
}
