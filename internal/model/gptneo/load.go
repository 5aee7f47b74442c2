package gptneo

import (
	"fmt"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/safetensors"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// Load builds a model from a HuggingFace safetensors checkpoint. GPT-Neo
// checkpoints usually tie the head to wte and omit lm_head.weight; the head
// then gets its own copy of the embedding so vocab-parallel sharding of wte
// cannot disturb it.
func Load(cfg *config.Model, path string) (*Model, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gptneo: open checkpoint: %w", err)
	}
	m := newSkeleton(cfg)
	r := &reader{st: st}

	hidden, vocab, inner := cfg.HiddenSize, cfg.VocabSize, cfg.IntermediateSize

	m.WTE.(*nn.Embedding).Weight = r.mat("transformer.wte.weight", vocab, hidden)
	m.WPE.Weight = r.mat("transformer.wpe.weight", cfg.MaxPositionEmbeddings, hidden)

	for i, b := range m.Blocks {
		p := fmt.Sprintf("transformer.h.%d.", i)
		b.LN1.Weight = r.vec(p+"ln_1.weight", hidden)
		b.LN1.Bias = r.vec(p+"ln_1.bias", hidden)
		b.LN2.Weight = r.vec(p+"ln_2.weight", hidden)
		b.LN2.Bias = r.vec(p+"ln_2.bias", hidden)

		a := b.Attn.(*Attention)
		ap := p + "attn.attention."
		a.Q.(*nn.Dense).Weight = r.mat(ap+"q_proj.weight", hidden, hidden)
		a.K.(*nn.Dense).Weight = r.mat(ap+"k_proj.weight", hidden, hidden)
		a.V.(*nn.Dense).Weight = r.mat(ap+"v_proj.weight", hidden, hidden)
		out := a.Out.(*nn.Dense)
		out.Weight = r.mat(ap+"out_proj.weight", hidden, hidden)
		out.Bias = r.vec(ap+"out_proj.bias", hidden)

		mlp := b.MLP.(*MLP)
		cfc := mlp.CFc.(*nn.Dense)
		cfc.Weight = r.mat(p+"mlp.c_fc.weight", inner, hidden)
		cfc.Bias = r.vec(p+"mlp.c_fc.bias", inner)
		cproj := mlp.CProj.(*nn.Dense)
		cproj.Weight = r.mat(p+"mlp.c_proj.weight", hidden, inner)
		cproj.Bias = r.vec(p+"mlp.c_proj.bias", hidden)
	}

	m.LNF.Weight = r.vec("transformer.ln_f.weight", hidden)
	m.LNF.Bias = r.vec("transformer.ln_f.bias", hidden)

	head := m.LMHead.(*nn.Dense)
	if _, ok := st.Tensor("lm_head.weight"); ok {
		head.Weight = r.mat("lm_head.weight", vocab, hidden)
	} else if r.err == nil && m.WTE.(*nn.Embedding).Weight != nil {
		head.Weight = m.WTE.(*nn.Embedding).Weight.Clone()
	}

	if r.err != nil {
		return nil, fmt.Errorf("gptneo: load %s: %w", path, r.err)
	}
	return m, nil
}

type reader struct {
	st  *safetensors.File
	err error
}

func (r *reader) mat(name string, rows, cols int) *tensor.Mat {
	if r.err != nil {
		return nil
	}
	m, err := r.st.ReadMat(name, rows, cols)
	if err != nil {
		r.err = err
		return nil
	}
	return m
}

func (r *reader) vec(name string, n int) []float32 {
	if r.err != nil {
		return nil
	}
	v, err := r.st.ReadVec(name, n)
	if err != nil {
		r.err = err
		return nil
	}
	return v
}
