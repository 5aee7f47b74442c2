package parallel

import (
	"fmt"
	"strings"
)

// ShapeError reports a tensor dimension that cannot be partitioned across
// the device group. It is fatal and raised during planning, before any
// parameter has been copied or any module substituted.
type ShapeError struct {
	Tensor    string // tree path of the tensor, e.g. "h.0.attn.q_proj.weight"
	Dim       string // which axis failed, e.g. "out_features"
	Size      int
	WorldSize int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("parallel: %s: %s %d not divisible by world size %d",
		e.Tensor, e.Dim, e.Size, e.WorldSize)
}

// UnknownArchitectureError reports a model configuration with no registered
// sharding policy. It is fatal and surfaced before anything is built.
type UnknownArchitectureError struct {
	ModelType     string
	Architectures []string
}

func (e *UnknownArchitectureError) Error() string {
	return fmt.Sprintf("parallel: no sharding policy for model_type %q (architectures=%v)",
		e.ModelType, e.Architectures)
}

// FusionUnsupportedError reports a transformer block that could not be
// fused. It is non-fatal: the block is left in its sharded, unfused form
// and the error is collected into the FusionReport.
type FusionUnsupportedError struct {
	Block  int
	Module string // concrete type that had no fusion rule, or the failure cause
}

func (e *FusionUnsupportedError) Error() string {
	return fmt.Sprintf("parallel: block %d not fused: %s", e.Block, e.Module)
}

// FusionReport summarizes one fusion pass.
type FusionReport struct {
	Fused   int
	Skipped []*FusionUnsupportedError
}

// Clean reports whether every block was fused.
func (r *FusionReport) Clean() bool { return len(r.Skipped) == 0 }

func (r *FusionReport) String() string {
	if r.Clean() {
		return fmt.Sprintf("fused %d modules", r.Fused)
	}
	msgs := make([]string, len(r.Skipped))
	for i, s := range r.Skipped {
		msgs[i] = s.Error()
	}
	return fmt.Sprintf("fused %d modules, skipped: %s", r.Fused, strings.Join(msgs, "; "))
}
