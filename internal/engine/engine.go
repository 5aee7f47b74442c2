// Package engine runs a tensor-parallel model fleet in one process: it
// builds an identical replica per rank, shards each through its own
// orchestrator, and drives all ranks in lockstep during generation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/dist"
	"github.com/coldreason/oslo-custom/internal/logger"
	"github.com/coldreason/oslo-custom/internal/model/gptj"
	"github.com/coldreason/oslo-custom/internal/model/gptneo"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/parallel"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// CausalLM is the incremental decoder contract the engine drives.
type CausalLM interface {
	nn.Module
	ForwardToken(ctx context.Context, id int) ([]float32, error)
	Pos() int
	Reset()
}

// ErrUnusable marks an engine whose device group failed mid-collective.
// A half-finished round leaves the coordinator and the replica caches out
// of step, so the engine refuses all further work and must be rebuilt.
var ErrUnusable = errors.New("engine: device group failed, rebuild required")

// Builder constructs unsharded replicas of one architecture.
type Builder struct {
	New  func(cfg *config.Model, seed int64) CausalLM
	Load func(cfg *config.Model, path string) (CausalLM, error)
}

func builders() map[string]Builder {
	return map[string]Builder{
		gptj.ModelType: {
			New:  func(cfg *config.Model, seed int64) CausalLM { return gptj.New(cfg, seed) },
			Load: func(cfg *config.Model, path string) (CausalLM, error) { return gptj.Load(cfg, path) },
		},
		gptneo.ModelType: {
			New:  func(cfg *config.Model, seed int64) CausalLM { return gptneo.New(cfg, seed) },
			Load: func(cfg *config.Model, path string) (CausalLM, error) { return gptneo.Load(cfg, path) },
		},
	}
}

// Registry returns the policy registry covering every supported
// architecture.
func Registry() *parallel.Registry {
	return parallel.NewRegistry(gptj.Policy{}, gptneo.Policy{})
}

// Options configures an engine fleet.
type Options struct {
	WorldSize int
	Seed      int64  // random-init seed, used when Weights is empty
	Weights   string // safetensors checkpoint path
	Fuse      bool
	Logger    logger.Logger
	Progress  func(done, total int) // rank 0 plan application progress
}

type rank struct {
	comm  *dist.Comm
	model CausalLM
	orch  *parallel.Orchestrator
}

// Engine owns a device group and one sharded replica per rank. The ranks
// share caches and rendezvous through one group coordinator, so requests
// are serialized: mu admits one forward/generate at a time, keeping each
// collective round aligned across the fleet.
type Engine struct {
	cfg    *config.Model
	log    logger.Logger
	group  *dist.Group
	ranks  []*rank
	plan   *parallel.Plan
	report *parallel.FusionReport

	mu     sync.Mutex
	broken bool
}

// New builds, shards, and optionally fuses the fleet. On any error the
// group is closed and nothing is usable.
func New(cfg *config.Model, opts Options) (*Engine, error) {
	if opts.WorldSize <= 0 {
		opts.WorldSize = 1
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	policy, err := Registry().For(cfg)
	if err != nil {
		return nil, err
	}
	builder, ok := builders()[policy.Architecture()]
	if !ok {
		return nil, fmt.Errorf("engine: no builder for architecture %q", policy.Architecture())
	}

	group, err := dist.NewGroup(opts.WorldSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, log: log, group: group}

	for r := 0; r < opts.WorldSize; r++ {
		comm, err := group.Rank(r)
		if err != nil {
			group.Close()
			return nil, err
		}
		model, err := buildReplica(builder, cfg, opts)
		if err != nil {
			group.Close()
			return nil, fmt.Errorf("engine: rank %d replica: %w", r, err)
		}
		oopts := []parallel.Option{parallel.WithLogger(log)}
		if r == 0 && opts.Progress != nil {
			oopts = append(oopts, parallel.WithProgress(opts.Progress))
		}
		e.ranks = append(e.ranks, &rank{
			comm:  comm,
			model: model,
			orch:  parallel.New(policy, cfg, comm, oopts...),
		})
	}

	// The plan is identical on every rank; keep rank 0's for inspection.
	if e.plan, err = e.ranks[0].orch.Plan(e.ranks[0].model); err != nil {
		group.Close()
		return nil, err
	}

	for r, rk := range e.ranks {
		if err := rk.orch.Shard(rk.model); err != nil {
			group.Close()
			return nil, fmt.Errorf("engine: rank %d shard: %w", r, err)
		}
	}

	if opts.Fuse {
		for r, rk := range e.ranks {
			report, err := rk.orch.Fuse(rk.model)
			if err != nil {
				group.Close()
				return nil, fmt.Errorf("engine: rank %d fuse: %w", r, err)
			}
			if r == 0 {
				e.report = report
			}
		}
	}

	log.Info("engine ready",
		"model_type", cfg.ModelType,
		"world_size", opts.WorldSize,
		"fused", opts.Fuse,
		"weights", opts.Weights != "")
	return e, nil
}

func buildReplica(b Builder, cfg *config.Model, opts Options) (CausalLM, error) {
	if opts.Weights != "" {
		return b.Load(cfg, opts.Weights)
	}
	return b.New(cfg, opts.Seed), nil
}

// NewReference builds a single unsharded replica, used as the comparison
// baseline by the verify command.
func NewReference(cfg *config.Model, opts Options) (CausalLM, error) {
	policy, err := Registry().For(cfg)
	if err != nil {
		return nil, err
	}
	builder, ok := builders()[policy.Architecture()]
	if !ok {
		return nil, fmt.Errorf("engine: no builder for architecture %q", policy.Architecture())
	}
	return buildReplica(builder, cfg, opts)
}

// Plan returns the validated sharding plan.
func (e *Engine) Plan() *parallel.Plan { return e.plan }

// FusionReport returns rank 0's fusion report, nil when fusion was off.
func (e *Engine) FusionReport() *parallel.FusionReport { return e.report }

// WorldSize returns the number of ranks in the fleet.
func (e *Engine) WorldSize() int { return len(e.ranks) }

// Config returns the model configuration.
func (e *Engine) Config() *config.Model { return e.cfg }

// Close shuts the device group down; in-flight collectives fail and the
// engine refuses further work.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broken = true
	e.group.Close()
}

// fail closes the group after a collective-phase error; see ErrUnusable.
func (e *Engine) fail(err error) error {
	e.broken = true
	e.group.Close()
	return err
}

// Reset rewinds every replica to position zero.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rk := range e.ranks {
		rk.model.Reset()
	}
}

// VerifyReplicas cross-checks the digests of every replicated tensor over
// the device group.
func (e *Engine) VerifyReplicas(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken {
		return ErrUnusable
	}

	errs := make([]error, len(e.ranks))
	var wg sync.WaitGroup
	for r, rk := range e.ranks {
		wg.Add(1)
		go func(r int, rk *rank) {
			defer wg.Done()
			errs[r] = rk.orch.VerifyReplicated(ctx)
		}(r, rk)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return e.fail(fmt.Errorf("engine: rank %d: %w", r, err))
		}
	}
	return nil
}

// ForwardToken decodes one token on every rank in lockstep and returns
// rank 0's logits. The reductions inside the parallel modules make all
// ranks' logits identical.
func (e *Engine) ForwardToken(ctx context.Context, id int) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken {
		return nil, ErrUnusable
	}
	if id < 0 || id >= e.cfg.VocabSize {
		return nil, fmt.Errorf("engine: token id %d out of vocab %d", id, e.cfg.VocabSize)
	}
	// Reject window exhaustion before any rank enters a collective, so it
	// stays an ordinary request error rather than a group failure.
	if e.ranks[0].model.Pos() >= e.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("engine: context window %d exhausted", e.cfg.MaxPositionEmbeddings)
	}
	return e.forwardLocked(ctx, id)
}

func (e *Engine) forwardLocked(ctx context.Context, id int) ([]float32, error) {
	outs := make([][]float32, len(e.ranks))
	errs := make([]error, len(e.ranks))
	var wg sync.WaitGroup
	for r, rk := range e.ranks {
		wg.Add(1)
		go func(r int, rk *rank) {
			defer wg.Done()
			outs[r], errs[r] = rk.model.ForwardToken(ctx, id)
		}(r, rk)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return nil, e.fail(fmt.Errorf("engine: rank %d: %w", r, err))
		}
	}
	return outs[0], nil
}

// Generate feeds the prompt and then greedily decodes steps tokens. Every
// rank computes the same argmax locally; the trajectories are compared as a
// cheap integrity check before returning rank 0's.
func (e *Engine) Generate(ctx context.Context, prompt []int, steps int) ([]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.broken {
		return nil, ErrUnusable
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("engine: empty prompt")
	}
	if steps <= 0 {
		return nil, fmt.Errorf("engine: steps must be positive, got %d", steps)
	}
	if need := len(prompt) + steps - 1; need > e.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("engine: prompt of %d plus %d steps needs %d positions, context window is %d",
			len(prompt), steps, need, e.cfg.MaxPositionEmbeddings)
	}
	for _, id := range prompt {
		if id < 0 || id >= e.cfg.VocabSize {
			return nil, fmt.Errorf("engine: token id %d out of vocab %d", id, e.cfg.VocabSize)
		}
	}

	outs := make([][]int, len(e.ranks))
	errs := make([]error, len(e.ranks))
	var wg sync.WaitGroup
	for r, rk := range e.ranks {
		wg.Add(1)
		go func(r int, rk *rank) {
			defer wg.Done()
			outs[r], errs[r] = decodeGreedy(ctx, rk.model, prompt, steps)
		}(r, rk)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return nil, e.fail(fmt.Errorf("engine: rank %d: %w", r, err))
		}
	}
	for r := 1; r < len(outs); r++ {
		for i := range outs[0] {
			if outs[r][i] != outs[0][i] {
				return nil, e.fail(fmt.Errorf("engine: rank %d diverged at step %d: %d vs %d",
					r, i, outs[r][i], outs[0][i]))
			}
		}
	}
	return outs[0], nil
}

func decodeGreedy(ctx context.Context, model CausalLM, prompt []int, steps int) ([]int, error) {
	model.Reset()
	var logits []float32
	var err error
	for _, id := range prompt {
		if logits, err = model.ForwardToken(ctx, id); err != nil {
			return nil, err
		}
	}
	out := make([]int, 0, steps)
	next := tensor.Argmax(logits)
	out = append(out, next)
	for len(out) < steps {
		if logits, err = model.ForwardToken(ctx, next); err != nil {
			return nil, err
		}
		next = tensor.Argmax(logits)
		out = append(out, next)
	}
	return out, nil
}
