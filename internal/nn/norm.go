package nn

import "github.com/coldreason/oslo-custom/internal/tensor"

// LayerNorm holds the learned scale and shift of a layer normalization.
// Its parameters are always replicated, never partitioned.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float32
}

// NewLayerNorm returns an identity layer norm (weight 1, bias 0).
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	l := &LayerNorm{
		Weight: make([]float32, dim),
		Bias:   make([]float32, dim),
		Eps:    eps,
	}
	for i := range l.Weight {
		l.Weight[i] = 1
	}
	return l
}

func (l *LayerNorm) Children() []Slot { return nil }

// Apply normalizes src into dst. dst and src may alias.
func (l *LayerNorm) Apply(dst, src []float32) {
	tensor.LayerNorm(dst, src, l.Weight, l.Bias, l.Eps)
}
