package gptj

import (
	"fmt"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/safetensors"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// Load builds a model from a HuggingFace safetensors checkpoint. Every rank
// loads the full checkpoint; the orchestrator slices it afterwards.
func Load(cfg *config.Model, path string) (*Model, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gptj: open checkpoint: %w", err)
	}
	m := newSkeleton(cfg)
	r := &reader{st: st}

	hidden, vocab, inner := cfg.HiddenSize, cfg.VocabSize, cfg.IntermediateSize

	m.WTE.(*nn.Embedding).Weight = r.mat("transformer.wte.weight", vocab, hidden)

	for i, b := range m.Blocks {
		p := fmt.Sprintf("transformer.h.%d.", i)
		b.LN1.Weight = r.vec(p+"ln_1.weight", hidden)
		b.LN1.Bias = r.vec(p+"ln_1.bias", hidden)

		a := b.Attn.(*Attention)
		a.Q.(*nn.Dense).Weight = r.mat(p+"attn.q_proj.weight", hidden, hidden)
		a.K.(*nn.Dense).Weight = r.mat(p+"attn.k_proj.weight", hidden, hidden)
		a.V.(*nn.Dense).Weight = r.mat(p+"attn.v_proj.weight", hidden, hidden)
		a.Out.(*nn.Dense).Weight = r.mat(p+"attn.out_proj.weight", hidden, hidden)

		mlp := b.MLP.(*MLP)
		fcIn := mlp.FcIn.(*nn.Dense)
		fcIn.Weight = r.mat(p+"mlp.fc_in.weight", inner, hidden)
		fcIn.Bias = r.vec(p+"mlp.fc_in.bias", inner)
		fcOut := mlp.FcOut.(*nn.Dense)
		fcOut.Weight = r.mat(p+"mlp.fc_out.weight", hidden, inner)
		fcOut.Bias = r.vec(p+"mlp.fc_out.bias", hidden)
	}

	m.LNF.Weight = r.vec("transformer.ln_f.weight", hidden)
	m.LNF.Bias = r.vec("transformer.ln_f.bias", hidden)
	head := m.LMHead.(*nn.Dense)
	head.Weight = r.mat("lm_head.weight", vocab, hidden)
	head.Bias = r.vec("lm_head.bias", vocab)

	if r.err != nil {
		return nil, fmt.Errorf("gptj: load %s: %w", path, r.err)
	}
	return m, nil
}

// reader accumulates the first failure so the mapping above stays flat.
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
