package nn

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/tensor"
)

// Embedder maps a token id to its embedding vector. Implementations may
// perform collective communication during Lookup.
type Embedder interface {
	Module
	Lookup(ctx context.Context, dst []float32, id int) error
	NumEmbeddings() int
	Dim() int
}

// Embedding is the standard single-device lookup table with a
// [numEmbeddings x dim] weight.
type Embedding struct {
	Weight *tensor.Mat
}

// NewEmbedding allocates a zero embedding table.
func NewEmbedding(num, dim int) *Embedding {
	return &Embedding{Weight: tensor.NewMat(num, dim)}
}

func (e *Embedding) Children() []Slot { return nil }

func (e *Embedding) NumEmbeddings() int { return e.Weight.R }

func (e *Embedding) Dim() int { return e.Weight.C }

func (e *Embedding) Lookup(_ context.Context, dst []float32, id int) error {
	if id < 0 || id >= e.Weight.R {
		return fmt.Errorf("nn: embedding id %d out of range [0,%d)", id, e.Weight.R)
	}
	e.Weight.RowTo(dst, id)
	return nil
}
