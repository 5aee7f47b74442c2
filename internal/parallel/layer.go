package parallel

import (
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// Replacement names the parallel variant that is substituted for a module
// when its descriptor is applied. It is a closed set: policies may only
// request partitionings the orchestrator knows how to construct.
type Replacement int

const (
	// ReplaceNone leaves the module in place; used for replicated tensors.
	ReplaceNone Replacement = iota
	// ColumnParallel splits a dense projection's output features.
	ColumnParallel
	// RowParallel splits a dense projection's input features; its forward
	// pass all-reduces the partial outputs.
	RowParallel
	// VocabParallel splits an embedding table's vocabulary axis; its lookup
	// all-reduces the per-rank contributions.
	VocabParallel
)

func (r Replacement) String() string {
	switch r {
	case ReplaceNone:
		return "none"
	case ColumnParallel:
		return "column-parallel"
	case RowParallel:
		return "row-parallel"
	case VocabParallel:
		return "vocab-parallel"
	default:
		return "invalid"
	}
}

// Layer describes one tensor-bearing position in the model tree: the slot
// of the owning module, its weight and bias tensors, and how the
// orchestrator should treat them. Descriptors are constructed fresh by a
// policy on every sharding pass and consumed exactly once; they are never
// persisted.
//
// The zero value of Replicate means "partition across the group"; a
// descriptor must set Replicate for tensors that stay identical on every
// rank (norms, masks, shared buffers).
type Layer struct {
	// Name is the tree path of the module, used in plans and diagnostics.
	// Block-level descriptors use paths relative to their block; the
	// orchestrator qualifies them with the block index.
	Name string
	// Slot addresses the owning module when a Replacement is requested.
	// Descriptors that only reference tensors (norm weights, buffers) may
	// leave it invalid.
	Slot nn.Slot
	// Weight is the module's 2-D parameter, nil when it has none.
	Weight *tensor.Mat
	// Bias is the module's 1-D parameter or buffer, nil when absent.
	Bias []float32
	// Replicate keeps the tensors identical on every rank instead of
	// partitioning them.
	Replicate bool
	// Replace selects the parallel module substituted into Slot.
	Replace Replacement
}
