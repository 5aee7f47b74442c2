package parallel

import (
	"reflect"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
)

// FuseFunc builds the fused replacement for an already-sharded module.
// Tensors are transplanted by concatenation, never re-sharded.
type FuseFunc func(m nn.Module) (nn.Module, error)

// Policy declares how one model architecture is partitioned across a
// device group. Each capability enumerates the descriptors of one
// structural region; all of them are total over instances of the declared
// architecture. A region that is absent yields an empty slice, never an
// error.
type Policy interface {
	// Architecture is the normalized model_type tag this policy serves,
	// e.g. "gptj" or "gpt_neo".
	Architecture() string

	// WordEmbedding enumerates the model-level embedding tables.
	WordEmbedding(model nn.Module, cfg *config.Model) []Layer
	// AttnQKV enumerates a block's query/key/value projections.
	AttnQKV(block nn.Module, cfg *config.Model) []Layer
	// AttnOut enumerates a block's attention output projection.
	AttnOut(block nn.Module, cfg *config.Model) []Layer
	// AttnNorm enumerates the norm feeding the attention sub-block.
	AttnNorm(block nn.Module, cfg *config.Model) []Layer
	// MLPIn enumerates a block's MLP input projection.
	MLPIn(block nn.Module, cfg *config.Model) []Layer
	// MLPOut enumerates a block's MLP output projection.
	MLPOut(block nn.Module, cfg *config.Model) []Layer
	// MLPNorm enumerates the norm feeding the MLP sub-block, for
	// architectures that have one.
	MLPNorm(block nn.Module, cfg *config.Model) []Layer
	// CopyToAll enumerates per-block buffers replicated verbatim on every
	// rank (attention masks and the like).
	CopyToAll(block nn.Module, cfg *config.Model) []Layer
	// PostBlock enumerates the model-level layers after the block stack.
	PostBlock(model nn.Module, cfg *config.Model) []Layer

	// Blocks returns the repeated transformer blocks in order.
	Blocks(model nn.Module) []nn.Module
	// BlockType identifies the block type so blocks can be located
	// generically in the module tree.
	BlockType() reflect.Type

	// ReduceArguments rewrites a block's scalar attributes (head count,
	// embedding width) to match the local tensor shapes after sharding.
	// Calling it more than once per block corrupts the block; the
	// orchestrator guarantees exactly-once invocation per sharding pass.
	ReduceArguments(block nn.Module, worldSize int, cfg *config.Model)

	// FusedModules returns the substitution table applied by the optional
	// fusion pass, keyed by the un-fused module type.
	FusedModules() map[reflect.Type]FuseFunc
}
