// Package gptneo implements the GPT-Neo architecture: learned position
// embeddings, sequential residual with two per-block norms, and layers
// alternating between global and local (sliding-window) attention.
package gptneo

import (
	"context"
	"fmt"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// ModelType is the HuggingFace model_type tag.
const ModelType = "gpt_neo"

// AttnModule is the attention sub-block contract shared with the fused
// variant.
type AttnModule interface {
	nn.Module
	Forward(ctx context.Context, dst, x []float32, pos int) error
}

// MLPModule is the MLP sub-block contract.
type MLPModule interface {
	nn.Module
	Forward(ctx context.Context, dst, x []float32) error
}

// Attention is GPT-Neo multi-head self attention. Scores are raw dot
// products (the architecture does not scale by sqrt(headDim)); local
// layers restrict visibility to a sliding window.
type Attention struct {
	Q, K, V, Out nn.Linear

	// Mask holds per-offset visibility, identical on every rank: entry d is
	// nonzero when a query may attend d positions back. Global layers are
	// all ones; local layers zero out offsets at and beyond the window.
	Mask []float32
	// MaskedBias is the score substituted for invisible positions.
	MaskedBias []float32

	embedDim int // local width after sharding
	numHeads int // local head count
	headDim  int // invariant under sharding
	maxCtx   int

	kCache, vCache *tensor.Mat
	q, ctxBuf      []float32
	scores         []float32
}

// newAttention builds the attention for one layer; window 0 means global
// visibility.
func newAttention(cfg *config.Model, window int) *Attention {
	a := &Attention{
		Q:          nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		K:          nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		V:          nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		Out:        nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, true),
		Mask:       make([]float32, cfg.MaxPositionEmbeddings),
		MaskedBias: []float32{-1e9},
		embedDim:   cfg.HiddenSize,
		numHeads:   cfg.NumAttentionHeads,
		headDim:    cfg.HeadDim(),
		maxCtx:     cfg.MaxPositionEmbeddings,
	}
	for d := range a.Mask {
		if window == 0 || d < window {
			a.Mask[d] = 1
		}
	}
	return a
}

func (a *Attention) Children() []nn.Slot {
	return []nn.Slot{
		linearSlot("q_proj", &a.Q),
		linearSlot("k_proj", &a.K),
		linearSlot("v_proj", &a.V),
		linearSlot("out_proj", &a.Out),
	}
}

func linearSlot(name string, field *nn.Linear) nn.Slot {
	return nn.Slot{
		Name: name,
		Get:  func() nn.Module { return *field },
		Set: func(m nn.Module) error {
			l, ok := m.(nn.Linear)
			if !ok {
				return fmt.Errorf("gptneo: %s: %T does not implement nn.Linear", name, m)
			}
			*field = l
			return nil
		},
	}
}

func (a *Attention) ensure() {
	if a.kCache != nil && a.kCache.C == a.embedDim {
		return
	}
	a.kCache = tensor.NewMat(a.maxCtx, a.embedDim)
	a.vCache = tensor.NewMat(a.maxCtx, a.embedDim)
	a.q = make([]float32, a.embedDim)
	a.ctxBuf = make([]float32, a.embedDim)
	a.scores = make([]float32, a.maxCtx)
}

func (a *Attention) Forward(ctx context.Context, dst, x []float32, pos int) error {
	if pos < 0 || pos >= a.maxCtx {
		return fmt.Errorf("gptneo: position %d out of context window %d", pos, a.maxCtx)
	}
	a.ensure()
	if err := a.Q.Forward(ctx, a.q, x); err != nil {
		return err
	}
	if err := a.K.Forward(ctx, a.kCache.Row(pos), x); err != nil {
		return err
	}
	if err := a.V.Forward(ctx, a.vCache.Row(pos), x); err != nil {
		return err
	}
	return a.attend(ctx, dst, pos)
}

func (a *Attention) attend(ctx context.Context, dst []float32, pos int) error {
	for h := 0; h < a.numHeads; h++ {
		lo, hi := h*a.headDim, (h+1)*a.headDim
		qh := a.q[lo:hi]
		for t := 0; t <= pos; t++ {
			if a.Mask[pos-t] == 0 {
				a.scores[t] = a.MaskedBias[0]
				continue
			}
			a.scores[t] = tensor.Dot(qh, a.kCache.Row(t)[lo:hi])
		}
		tensor.Softmax(a.scores[:pos+1])

		out := a.ctxBuf[lo:hi]
		tensor.Zero(out)
		for t := 0; t <= pos; t++ {
			w := a.scores[t]
			if w == 0 {
				continue
			}
			vh := a.vCache.Row(t)[lo:hi]
			for i := range out {
				out[i] += w * vh[i]
			}
		}
	}
	return a.Out.Forward(ctx, dst, a.ctxBuf)
}

// MLP is the c_fc / GELU / c_proj feed-forward sub-block.
type MLP struct {
	CFc, CProj nn.Linear

	buf []float32
}

func newMLP(cfg *config.Model) *MLP {
	return &MLP{
		CFc:   nn.NewDense(cfg.HiddenSize, cfg.IntermediateSize, true),
		CProj: nn.NewDense(cfg.IntermediateSize, cfg.HiddenSize, true),
	}
}

func (m *MLP) Children() []nn.Slot {
	return []nn.Slot{
		linearSlot("c_fc", &m.CFc),
		linearSlot("c_proj", &m.CProj),
	}
}

func (m *MLP) Forward(ctx context.Context, dst, x []float32) error {
	if len(m.buf) != m.CFc.OutFeatures() {
		m.buf = make([]float32, m.CFc.OutFeatures())
	}
	if err := m.CFc.Forward(ctx, m.buf, x); err != nil {
		return err
	}
	for i, v := range m.buf {
		m.buf[i] = tensor.GELU(v)
	}
	return m.CProj.Forward(ctx, dst, m.buf)
}

// Block is one transformer layer with the sequential residual: attention
// reads ln_1, the MLP reads ln_2 of the updated stream.
type Block struct {
	LN1  *nn.LayerNorm
	LN2  *nn.LayerNorm
	Attn AttnModule
	MLP  MLPModule
}

func newBlock(cfg *config.Model, layer int) *Block {
	window := 0
	if cfg.AttentionType(layer) == "local" {
		window = cfg.WindowSize
	}
	return &Block{
		LN1:  nn.NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEpsilon),
		LN2:  nn.NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEpsilon),
		Attn: newAttention(cfg, window),
		MLP:  newMLP(cfg),
	}
}

func (b *Block) Children() []nn.Slot {
	return []nn.Slot{
		normSlot("ln_1", &b.LN1),
		normSlot("ln_2", &b.LN2),
		{
			Name: "attn",
			Get:  func() nn.Module { return b.Attn },
			Set: func(m nn.Module) error {
				a, ok := m.(AttnModule)
				if !ok {
					return fmt.Errorf("gptneo: attn: %T is not an attention module", m)
				}
				b.Attn = a
				return nil
			},
		},
		{
			Name: "mlp",
			Get:  func() nn.Module { return b.MLP },
			Set: func(m nn.Module) error {
				p, ok := m.(MLPModule)
				if !ok {
					return fmt.Errorf("gptneo: mlp: %T is not an MLP module", m)
				}
				b.MLP = p
				return nil
			},
		},
	}
}

func normSlot(name string, field **nn.LayerNorm) nn.Slot {
	return nn.Slot{
		Name: name,
		Get:  func() nn.Module { return *field },
		Set: func(m nn.Module) error {
			n, ok := m.(*nn.LayerNorm)
			if !ok {
				return fmt.Errorf("gptneo: %s: got %T", name, m)
			}
			*field = n
			return nil
		},
	}
}

// Model is a GPT-Neo causal LM with incremental decoding state. Not safe
// for concurrent use; each rank owns its own replica.
type Model struct {
	WTE    nn.Embedder
	WPE    *nn.Embedding // learned positions, replicated on every rank
	Blocks []*Block
	LNF    *nn.LayerNorm
	LMHead nn.Linear

	cfg *config.Model
	pos int

	x, normed, sub, posVec, final []float32
}

// New builds a randomly initialized model; the same seed yields the
// bit-identical model on every rank.
func New(cfg *config.Model, seed int64) *Model {
	m := newSkeleton(cfg)
	tensor.FillRand(m.WTE.(*nn.Embedding).Weight, seed)
	tensor.FillRand(m.WPE.Weight, seed+1)
	for i, b := range m.Blocks {
		s := seed + int64(100*(i+1))
		a := b.Attn.(*Attention)
		tensor.FillRand(a.Q.(*nn.Dense).Weight, s+1)
		tensor.FillRand(a.K.(*nn.Dense).Weight, s+2)
		tensor.FillRand(a.V.(*nn.Dense).Weight, s+3)
		out := a.Out.(*nn.Dense)
		tensor.FillRand(out.Weight, s+4)
		tensor.FillRandVec(out.Bias, s+5)
		mlp := b.MLP.(*MLP)
		cfc := mlp.CFc.(*nn.Dense)
		tensor.FillRand(cfc.Weight, s+6)
		tensor.FillRandVec(cfc.Bias, s+7)
		cproj := mlp.CProj.(*nn.Dense)
		tensor.FillRand(cproj.Weight, s+8)
		tensor.FillRandVec(cproj.Bias, s+9)
	}
	tensor.FillRand(m.LMHead.(*nn.Dense).Weight, seed+7)
	return m
}

func newSkeleton(cfg *config.Model) *Model {
	m := &Model{
		WTE:    nn.NewEmbedding(cfg.VocabSize, cfg.HiddenSize),
		WPE:    nn.NewEmbedding(cfg.MaxPositionEmbeddings, cfg.HiddenSize),
		LNF:    nn.NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEpsilon),
		LMHead: nn.NewDense(cfg.HiddenSize, cfg.VocabSize, false),
		cfg:    cfg,

		x:      make([]float32, cfg.HiddenSize),
		normed: make([]float32, cfg.HiddenSize),
		sub:    make([]float32, cfg.HiddenSize),
		posVec: make([]float32, cfg.HiddenSize),
		final:  make([]float32, cfg.HiddenSize),
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		m.Blocks = append(m.Blocks, newBlock(cfg, i))
	}
	return m
}

func (m *Model) Children() []nn.Slot {
	slots := []nn.Slot{
		{
			Name: "wte",
			Get:  func() nn.Module { return m.WTE },
			Set: func(mod nn.Module) error {
				e, ok := mod.(nn.Embedder)
				if !ok {
					return fmt.Errorf("gptneo: wte: %T is not an embedder", mod)
				}
				m.WTE = e
				return nil
			},
		},
		{
			Name: "wpe",
			Get:  func() nn.Module { return m.WPE },
			Set:  func(nn.Module) error { return fmt.Errorf("gptneo: wpe is fixed") },
		},
	}
	for i := range m.Blocks {
		b := m.Blocks[i]
		slots = append(slots, nn.Slot{
			Name: fmt.Sprintf("h.%d", i),
			Get:  func() nn.Module { return b },
			Set:  func(nn.Module) error { return fmt.Errorf("gptneo: blocks are fixed") },
		})
	}
	slots = append(slots,
		nn.Slot{
			Name: "ln_f",
			Get:  func() nn.Module { return m.LNF },
			Set:  func(nn.Module) error { return fmt.Errorf("gptneo: ln_f is fixed") },
		},
		linearSlot("lm_head", &m.LMHead),
	)
	return slots
}

// Config returns the configuration the model was built from.
func (m *Model) Config() *config.Model { return m.cfg }

// Pos returns the next decode position.
func (m *Model) Pos() int { return m.pos }

// Reset rewinds the decoder to position zero.
func (m *Model) Reset() { m.pos = 0 }

// ForwardToken decodes one token id and returns freshly allocated
// full-vocabulary logits for the next position.
func (m *Model) ForwardToken(ctx context.Context, id int) ([]float32, error) {
	if m.pos >= m.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("gptneo: context window %d exhausted", m.cfg.MaxPositionEmbeddings)
	}
	if err := m.WTE.Lookup(ctx, m.x, id); err != nil {
		return nil, err
	}
	if err := m.WPE.Lookup(ctx, m.posVec, m.pos); err != nil {
		return nil, err
	}
	tensor.Add(m.x, m.posVec)

	for _, b := range m.Blocks {
		b.LN1.Apply(m.normed, m.x)
		if err := b.Attn.Forward(ctx, m.sub, m.normed, m.pos); err != nil {
			return nil, err
		}
		tensor.Add(m.x, m.sub)

		b.LN2.Apply(m.normed, m.x)
		if err := b.MLP.Forward(ctx, m.sub, m.normed); err != nil {
			return nil, err
		}
		tensor.Add(m.x, m.sub)
	}

	m.LNF.Apply(m.final, m.x)
	logits := make([]float32, m.cfg.VocabSize)
	if err := m.LMHead.Forward(ctx, logits, m.final); err != nil {
		return nil, err
	}
	m.pos++
	return logits, nil
}
