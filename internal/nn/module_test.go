package nn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type holder struct {
	inner Linear
	norm  *LayerNorm
}

func (h *holder) Children() []Slot {
	return []Slot{
		{
			Name: "inner",
			Get:  func() Module { return h.inner },
			Set: func(m Module) error {
				h.inner = m.(Linear)
				return nil
			},
		},
		{
			Name: "norm",
			Get:  func() Module { return h.norm },
			Set:  func(Module) error { return nil },
		},
	}
}

func TestLookupAndReplace(t *testing.T) {
	h := &holder{inner: NewDense(4, 4, true), norm: NewLayerNorm(4, 1e-5)}

	s, err := Lookup(h, "inner")
	require.NoError(t, err)
	require.Same(t, h.inner, s.Get())

	repl := NewDense(4, 8, false)
	require.NoError(t, s.Set(repl))
	require.Same(t, repl, h.inner)

	_, err = Lookup(h, "inner.missing")
	require.Error(t, err)
	_, err = Lookup(h, "nope")
	require.Error(t, err)
}

func TestWalkVisitsEveryModule(t *testing.T) {
	h := &holder{inner: NewDense(4, 4, false), norm: NewLayerNorm(4, 1e-5)}

	var seen []Module
	Walk(h, func(m Module) { seen = append(seen, m) })
	require.Len(t, seen, 3)
	require.Same(t, h, seen[0])
}

func TestDenseForward(t *testing.T) {
	d := NewDense(2, 3, true)
	// Row i of the weight selects x[i%2] scaled by i+1.
	copy(d.Weight.Row(0), []float32{1, 0})
	copy(d.Weight.Row(1), []float32{0, 2})
	copy(d.Weight.Row(2), []float32{3, 0})
	copy(d.Bias, []float32{10, 20, 30})

	dst := make([]float32, 3)
	require.NoError(t, d.Forward(context.Background(), dst, []float32{1, 2}))
	require.Equal(t, []float32{11, 24, 33}, dst)

	require.Equal(t, 2, d.InFeatures())
	require.Equal(t, 3, d.OutFeatures())
}

func TestEmbeddingLookup(t *testing.T) {
	e := NewEmbedding(3, 2)
	copy(e.Weight.Row(1), []float32{5, 6})

	dst := make([]float32, 2)
	require.NoError(t, e.Lookup(context.Background(), dst, 1))
	require.Equal(t, []float32{5, 6}, dst)

	require.Error(t, e.Lookup(context.Background(), dst, 3))
	require.Error(t, e.Lookup(context.Background(), dst, -1))
}

func TestLayerNormNormalizes(t *testing.T) {
	l := NewLayerNorm(4, 1e-5)
	dst := make([]float32, 4)
	l.Apply(dst, []float32{1, 3, 1, 3})

	var mean float32
	for _, v := range dst {
		mean += v
	}
	require.InDelta(t, 0, mean/4, 1e-5)
	require.InDelta(t, 1, dst[1], 1e-2)
	require.InDelta(t, -1, dst[0], 1e-2)
}
