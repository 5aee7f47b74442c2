package gptj

import (
	"reflect"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/parallel"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// Policy declares how GPT-J is partitioned: vocab-parallel wte, column
// q/k/v and fc_in, row out_proj and fc_out, everything else replicated.
type Policy struct{}

var _ parallel.Policy = Policy{}

func (Policy) Architecture() string { return ModelType }

func (Policy) WordEmbedding(model nn.Module, _ *config.Model) []parallel.Layer {
	m := model.(*Model)
	slot, _ := nn.Child(m, "wte")
	var w *tensor.Mat
	if e, ok := m.WTE.(*nn.Embedding); ok {
		w = e.Weight
	}
	return []parallel.Layer{{Name: "wte", Slot: slot, Weight: w, Replace: parallel.VocabParallel}}
}

func (Policy) AttnQKV(block nn.Module, _ *config.Model) []parallel.Layer {
	a, ok := block.(*Block).Attn.(*Attention)
	if !ok {
		return nil
	}
	return []parallel.Layer{
		denseLayer(a, "q_proj", "attn.q_proj", parallel.ColumnParallel),
		denseLayer(a, "k_proj", "attn.k_proj", parallel.ColumnParallel),
		denseLayer(a, "v_proj", "attn.v_proj", parallel.ColumnParallel),
	}
}

func (Policy) AttnOut(block nn.Module, _ *config.Model) []parallel.Layer {
	a, ok := block.(*Block).Attn.(*Attention)
	if !ok {
		return nil
	}
	return []parallel.Layer{denseLayer(a, "out_proj", "attn.out_proj", parallel.RowParallel)}
}

func (Policy) AttnNorm(block nn.Module, _ *config.Model) []parallel.Layer {
	b := block.(*Block)
	return []parallel.Layer{
		{Name: "ln_1.weight", Bias: b.LN1.Weight, Replicate: true},
		{Name: "ln_1.bias", Bias: b.LN1.Bias, Replicate: true},
	}
}

func (Policy) MLPIn(block nn.Module, _ *config.Model) []parallel.Layer {
	p, ok := block.(*Block).MLP.(*MLP)
	if !ok {
		return nil
	}
	return []parallel.Layer{denseLayer(p, "fc_in", "mlp.fc_in", parallel.ColumnParallel)}
}

func (Policy) MLPOut(block nn.Module, _ *config.Model) []parallel.Layer {
	p, ok := block.(*Block).MLP.(*MLP)
	if !ok {
		return nil
	}
	return []parallel.Layer{denseLayer(p, "fc_out", "mlp.fc_out", parallel.RowParallel)}
}

// MLPNorm is empty: GPT-J has a single per-block norm feeding both
// sub-blocks.
func (Policy) MLPNorm(nn.Module, *config.Model) []parallel.Layer { return nil }

func (Policy) CopyToAll(block nn.Module, _ *config.Model) []parallel.Layer {
	a, ok := block.(*Block).Attn.(*Attention)
	if !ok {
		return nil
	}
	return []parallel.Layer{
		{Name: "attn.bias", Bias: a.Mask, Replicate: true},
		{Name: "attn.masked_bias", Bias: a.MaskedBias, Replicate: true},
	}
}

func (Policy) PostBlock(model nn.Module, _ *config.Model) []parallel.Layer {
	m := model.(*Model)
	layers := []parallel.Layer{
		{Name: "ln_f.weight", Bias: m.LNF.Weight, Replicate: true},
		{Name: "ln_f.bias", Bias: m.LNF.Bias, Replicate: true},
	}
	// The head stays replicated so every rank ends up with full-vocabulary
	// logits without an extra gather.
	if head, ok := m.LMHead.(*nn.Dense); ok {
		layers = append(layers, parallel.Layer{
			Name:      "lm_head",
			Weight:    head.Weight,
			Bias:      head.Bias,
			Replicate: true,
		})
	}
	return layers
}

func (Policy) Blocks(model nn.Module) []nn.Module {
	m := model.(*Model)
	out := make([]nn.Module, len(m.Blocks))
	for i, b := range m.Blocks {
		out[i] = b
	}
	return out
}

func (Policy) BlockType() reflect.Type { return reflect.TypeOf(&Block{}) }

func (Policy) ReduceArguments(block nn.Module, worldSize int, _ *config.Model) {
	a, ok := block.(*Block).Attn.(*Attention)
	if !ok {
		return
	}
	a.embedDim /= worldSize
	a.numHeads /= worldSize
}

func (Policy) FusedModules() map[reflect.Type]parallel.FuseFunc {
	return map[reflect.Type]parallel.FuseFunc{
		reflect.TypeOf(&Attention{}): fuseAttention,
		reflect.TypeOf(&MLP{}):       fuseMLP,
	}
}

// denseLayer builds the descriptor for one dense projection child.
func denseLayer(owner nn.Module, slotName, name string, replace parallel.Replacement) parallel.Layer {
	slot, _ := nn.Child(owner, slotName)
	l := parallel.Layer{Name: name, Slot: slot, Replace: replace}
	if slot.Valid() {
		if d, ok := slot.Get().(*nn.Dense); ok {
			l.Weight = d.Weight
			l.Bias = d.Bias
		}
	}
	return l
}
