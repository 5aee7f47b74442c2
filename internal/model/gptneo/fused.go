package gptneo

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/parallel"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// FusedAttention runs the query/key/value projections as one matmul over
// the vertically concatenated column-parallel weights.
type FusedAttention struct {
	QKV nn.Linear

	attn *Attention
	qkv  []float32
}

func fuseAttention(m nn.Module) (nn.Module, error) {
	a, ok := m.(*Attention)
	if !ok {
		return nil, fmt.Errorf("gptneo: fuse attention: got %T", m)
	}
	q, okQ := a.Q.(*parallel.ColumnParallelLinear)
	k, okK := a.K.(*parallel.ColumnParallelLinear)
	v, okV := a.V.(*parallel.ColumnParallelLinear)
	if !okQ || !okK || !okV {
		return nil, fmt.Errorf("gptneo: fuse attention: q/k/v not column-parallel (%T, %T, %T)", a.Q, a.K, a.V)
	}
	w, err := tensor.ConcatRows(q.Weight, k.Weight, v.Weight)
	if err != nil {
		return nil, fmt.Errorf("gptneo: fuse attention: %w", err)
	}
	// GPT-Neo q/k/v carry no bias; reject anything else rather than fuse a
	// checkpoint this code does not understand.
	if q.Bias != nil || k.Bias != nil || v.Bias != nil {
		return nil, fmt.Errorf("gptneo: fuse attention: unexpected q/k/v bias")
	}
	return &FusedAttention{
		QKV:  &nn.Dense{Weight: w},
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
		return fmt.Errorf("gptneo: position %d out of context window %d", pos, a.maxCtx)
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

// FusedMLP folds the c_fc bias add and the GELU into the projection loop.
type FusedMLP struct {
	In  *parallel.ColumnParallelLinear
	Out nn.Linear

	buf []float32
}

func fuseMLP(m nn.Module) (nn.Module, error) {
	p, ok := m.(*MLP)
	if !ok {
		return nil, fmt.Errorf("gptneo: fuse mlp: got %T", m)
	}
	in, ok := p.CFc.(*parallel.ColumnParallelLinear)
	if !ok {
		return nil, fmt.Errorf("gptneo: fuse mlp: c_fc not column-parallel (%T)", p.CFc)
	}
	return &FusedMLP{In: in, Out: p.CProj}, nil
}

func (f *FusedMLP) Children() []nn.Slot {
	return []nn.Slot{
		{
			Name: "c_fc",
			Get:  func() nn.Module { return f.In },
			Set: func(m nn.Module) error {
				in, ok := m.(*parallel.ColumnParallelLinear)
				if !ok {
					return fmt.Errorf("gptneo: c_fc: got %T", m)
				}
				f.In = in
				return nil
			},
		},
		linearSlot("c_proj", &f.Out),
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
