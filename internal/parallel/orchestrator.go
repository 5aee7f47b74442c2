package parallel

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/dist"
	"github.com/coldreason/oslo-custom/internal/logger"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// State tracks a replica's sharding lifecycle.
type State int

const (
	StateUnsharded State = iota
	StateSharded
	StateFused
	// StateFailed marks a replica whose mutation was aborted midway. The
	// model is undefined and must be rebuilt from scratch.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnsharded:
		return "unsharded"
	case StateSharded:
		return "sharded"
	case StateFused:
		return "fused"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// PlanEntry is one validated descriptor in a sharding plan.
type PlanEntry struct {
	Region    string `json:"region"`
	Block     int    `json:"block"` // -1 for model-level regions
	Name      string `json:"name"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	BiasLen   int    `json:"bias_len,omitempty"`
	Replicate bool   `json:"replicate"`
	Replace   string `json:"replace"`

	layer Layer
}

// Plan is the full, validated set of descriptors for one sharding pass, in
// application order.
type Plan struct {
	WorldSize int         `json:"world_size"`
	Blocks    int         `json:"blocks"`
	Entries   []PlanEntry `json:"entries"`

	blocks []nn.Module
}

// Orchestrator walks a model tree guided by one Policy and drives the
// replica through UNSHARDED -> SHARDED -> (optionally) FUSED. Each rank
// runs its own orchestrator over its own replica; sharding itself performs
// no communication.
type Orchestrator struct {
	policy   Policy
	cfg      *config.Model
	comm     *dist.Comm
	log      logger.Logger
	progress func(done, total int)

	state   State
	digests map[string]uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithProgress registers a callback invoked after each applied plan entry.
func WithProgress(fn func(done, total int)) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// New builds an orchestrator for one rank's replica.
func New(policy Policy, cfg *config.Model, comm *dist.Comm, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policy:  policy,
		cfg:     cfg,
		comm:    comm,
		log:     logger.Nop(),
		state:   StateUnsharded,
		digests: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the replica's lifecycle state.
func (o *Orchestrator) State() State { return o.state }

// Plan enumerates every descriptor the policy declares for model and
// validates all partition shapes. The model is not mutated; any shape
// violation surfaces here, before a single parameter is copied.
func (o *Orchestrator) Plan(model nn.Module) (*Plan, error) {
	blocks := o.policy.Blocks(model)
	plan := &Plan{
		WorldSize: o.comm.WorldSize(),
		Blocks:    len(blocks),
		blocks:    blocks,
	}

	add := func(region string, block int, layers []Layer) {
		for _, l := range layers {
			if block >= 0 {
				// Block-level descriptors are named relative to their block;
				// qualify them so plans and digest keys stay unique.
				l.Name = fmt.Sprintf("h.%d.%s", block, l.Name)
			}
			e := PlanEntry{
				Region:    region,
				Block:     block,
				Name:      l.Name,
				Replicate: l.Replicate,
				Replace:   l.Replace.String(),
				layer:     l,
			}
			if l.Weight != nil {
				e.Rows, e.Cols = l.Weight.R, l.Weight.C
			}
			e.BiasLen = len(l.Bias)
			plan.Entries = append(plan.Entries, e)
		}
	}

	add("word_embedding", -1, o.policy.WordEmbedding(model, o.cfg))
	for bi, b := range blocks {
		add("attn_qkv", bi, o.policy.AttnQKV(b, o.cfg))
		add("attn_out", bi, o.policy.AttnOut(b, o.cfg))
		add("attn_norm", bi, o.policy.AttnNorm(b, o.cfg))
		add("mlp_in", bi, o.policy.MLPIn(b, o.cfg))
		add("mlp_out", bi, o.policy.MLPOut(b, o.cfg))
		add("mlp_norm", bi, o.policy.MLPNorm(b, o.cfg))
		add("copy_to_all", bi, o.policy.CopyToAll(b, o.cfg))
	}
	add("postblock", -1, o.policy.PostBlock(model, o.cfg))

	for i := range plan.Entries {
		if err := o.validate(&plan.Entries[i]); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (o *Orchestrator) validate(e *PlanEntry) error {
	l := &e.layer
	world := o.comm.WorldSize()

	if l.Replicate {
		if l.Replace != ReplaceNone {
			return fmt.Errorf("parallel: %s: replicated descriptor requests %s replacement", l.Name, l.Replace)
		}
		return nil
	}

	if !l.Slot.Valid() {
		return fmt.Errorf("parallel: %s: partitioned descriptor without a module slot", l.Name)
	}
	mod := l.Slot.Get()

	switch l.Replace {
	case ColumnParallel:
		d, ok := mod.(*nn.Dense)
		if !ok {
			return fmt.Errorf("parallel: %s: column-parallel target is %T, want *nn.Dense", l.Name, mod)
		}
		if d.Weight.R%world != 0 || d.Weight.R/world == 0 {
			return &ShapeError{Tensor: l.Name + ".weight", Dim: "out_features", Size: d.Weight.R, WorldSize: world}
		}
	case RowParallel:
		d, ok := mod.(*nn.Dense)
		if !ok {
			return fmt.Errorf("parallel: %s: row-parallel target is %T, want *nn.Dense", l.Name, mod)
		}
		if d.Weight.C%world != 0 || d.Weight.C/world == 0 {
			return &ShapeError{Tensor: l.Name + ".weight", Dim: "in_features", Size: d.Weight.C, WorldSize: world}
		}
	case VocabParallel:
		emb, ok := mod.(*nn.Embedding)
		if !ok {
			return fmt.Errorf("parallel: %s: vocab-parallel target is %T, want *nn.Embedding", l.Name, mod)
		}
		if emb.Weight.R%world != 0 || emb.Weight.R/world == 0 {
			return &ShapeError{Tensor: l.Name + ".weight", Dim: "vocab", Size: emb.Weight.R, WorldSize: world}
		}
	case ReplaceNone:
		return fmt.Errorf("parallel: %s: partitioned descriptor without a replacement", l.Name)
	default:
		return fmt.Errorf("parallel: %s: unknown replacement %d", l.Name, l.Replace)
	}
	return nil
}

// Shard validates and applies the policy's full plan to the replica:
// parallel modules are substituted through their slots, replicated tensors
// are digested for later cross-rank verification, and ReduceArguments runs
// exactly once per block. On failure after validation the model is in an
// undefined, partially-mutated state and must not be reused.
func (o *Orchestrator) Shard(model nn.Module) error {
	if o.state != StateUnsharded {
		return fmt.Errorf("parallel: shard called in state %s", o.state)
	}

	plan, err := o.Plan(model)
	if err != nil {
		return err
	}

	total := len(plan.Entries)
	for i := range plan.Entries {
		if err := o.apply(&plan.Entries[i]); err != nil {
			o.state = StateFailed
			return err
		}
		if o.progress != nil {
			o.progress(i+1, total)
		}
	}

	for _, b := range plan.blocks {
		o.policy.ReduceArguments(b, o.comm.WorldSize(), o.cfg)
	}

	o.state = StateSharded
	o.log.Info("replica sharded",
		"rank", o.comm.Rank(),
		"world_size", o.comm.WorldSize(),
		"entries", total,
		"blocks", plan.Blocks)
	return nil
}

func (o *Orchestrator) apply(e *PlanEntry) error {
	l := &e.layer

	if l.Replicate {
		// Descriptors carrying only a vector (norm weights, mask buffers)
		// name the tensor directly; module descriptors get the usual
		// .weight/.bias suffixes.
		if l.Weight != nil {
			o.digests[l.Name+".weight"] = l.Weight.Sum64()
			if l.Bias != nil {
				o.digests[l.Name+".bias"] = tensor.Sum64(l.Bias)
			}
		} else if l.Bias != nil {
			o.digests[l.Name] = tensor.Sum64(l.Bias)
		}
		return nil
	}

	var (
		repl nn.Module
		err  error
	)
	switch l.Replace {
	case ColumnParallel:
		repl, err = NewColumnParallelLinear(l.Slot.Get().(*nn.Dense), o.comm)
	case RowParallel:
		repl, err = NewRowParallelLinear(l.Slot.Get().(*nn.Dense), o.comm)
	case VocabParallel:
		repl, err = NewVocabParallelEmbedding(l.Slot.Get().(*nn.Embedding), o.comm)
	}
	if err != nil {
		return err
	}
	if err := l.Slot.Set(repl); err != nil {
		return fmt.Errorf("parallel: %s: install %s: %w", l.Name, l.Replace, err)
	}
	return nil
}

// Fuse performs the optional post-sharding fusion pass. Blocks are located
// generically via the policy's BlockType; children whose concrete type
// appears in the fusion table are replaced by their fused construction.
// Blocks that cannot be fused are skipped and reported, never fatal.
func (o *Orchestrator) Fuse(model nn.Module) (*FusionReport, error) {
	if o.state != StateSharded {
		return nil, fmt.Errorf("parallel: fuse called in state %s", o.state)
	}

	table := o.policy.FusedModules()
	blockType := o.policy.BlockType()

	var blocks []nn.Module
	nn.Walk(model, func(m nn.Module) {
		if reflect.TypeOf(m) == blockType {
			blocks = append(blocks, m)
		}
	})

	report := &FusionReport{}
	for bi, b := range blocks {
		hit := false
		for _, slot := range b.Children() {
			child := slot.Get()
			if child == nil {
				continue
			}
			fn, ok := table[reflect.TypeOf(child)]
			if !ok {
				continue
			}
			hit = true
			fused, err := fn(child)
			if err != nil {
				report.Skipped = append(report.Skipped, &FusionUnsupportedError{
					Block:  bi,
					Module: fmt.Sprintf("%s: %v", slot.Name, err),
				})
				continue
			}
			if err := slot.Set(fused); err != nil {
				report.Skipped = append(report.Skipped, &FusionUnsupportedError{
					Block:  bi,
					Module: fmt.Sprintf("%s: %v", slot.Name, err),
				})
				continue
			}
			report.Fused++
		}
		if !hit {
			report.Skipped = append(report.Skipped, &FusionUnsupportedError{
				Block:  bi,
				Module: "no module with a fusion rule",
			})
		}
	}

	o.state = StateFused
	if !report.Clean() {
		o.log.Warn("fusion pass incomplete", "rank", o.comm.Rank(), "report", report.String())
	} else {
		o.log.Info("replica fused", "rank", o.comm.Rank(), "modules", report.Fused)
	}
	return report, nil
}

// Digests returns the recorded digests of replicated tensors, keyed by
// tensor path.
func (o *Orchestrator) Digests() map[string]uint64 {
	out := make(map[string]uint64, len(o.digests))
	for k, v := range o.digests {
		out[k] = v
	}
	return out
}

// VerifyReplicated all-gathers the digests of every replicated tensor and
// fails if any rank holds a different copy. Every rank of the group must
// call it concurrently; it is the only communicating step of the sharding
// flow and is optional.
func (o *Orchestrator) VerifyReplicated(ctx context.Context) error {
	if o.state != StateSharded && o.state != StateFused {
		return fmt.Errorf("parallel: verify called in state %s", o.state)
	}

	names := make([]string, 0, len(o.digests))
	for name := range o.digests {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		all, err := o.comm.AllGatherUint64(ctx, o.digests[name])
		if err != nil {
			return fmt.Errorf("parallel: verify %s: %w", name, err)
		}
		for r, d := range all {
			if d != all[0] {
				return fmt.Errorf("parallel: replicated tensor %s differs on rank %d", name, r)
			}
		}
	}
	return nil
}
