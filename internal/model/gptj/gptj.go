// Package gptj implements the GPT-J architecture: rotary position
// embeddings, a parallel residual (attention and MLP both read the single
// per-block norm), and an untied LM head with bias.
package gptj

import (
	"context"
	"fmt"
	"math"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/tensor"
)

// ModelType is the HuggingFace model_type tag.
const ModelType = "gptj"

// AttnModule is the attention sub-block contract. The fused variant
// implements it too, so blocks hold this interface rather than a concrete
// type.
type AttnModule interface {
	nn.Module
	Forward(ctx context.Context, dst, x []float32, pos int) error
}

// MLPModule is the MLP sub-block contract.
type MLPModule interface {
	nn.Module
	Forward(ctx context.Context, dst, x []float32) error
}

// Attention is multi-head self attention with rotary embeddings applied to
// the first rotaryDim dimensions of every head. Scores are scaled by
// 1/sqrt(headDim). The key/value caches grow lazily so they pick up the
// local width after sharding.
type Attention struct {
	Q, K, V, Out nn.Linear

	// Mask holds per-offset visibility: Mask[d] is nonzero when a query may
	// attend to the key d positions behind it. GPT-J is fully causal so
	// every entry is 1; the buffer is replicated verbatim on every rank.
	Mask []float32
	// MaskedBias is the score substituted for invisible positions.
	MaskedBias []float32

	embedDim  int // local width of the q/k/v projections
	numHeads  int // local head count
	headDim   int // invariant under sharding
	rotaryDim int
	maxCtx    int

	kCache, vCache *tensor.Mat
	q, ctxBuf      []float32
	scores         []float32
}

func newAttention(cfg *config.Model) *Attention {
	rotary := cfg.RotaryDim
	if rotary == 0 {
		rotary = cfg.HeadDim()
	}
	a := &Attention{
		Q:          nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		K:          nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		V:          nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		Out:        nn.NewDense(cfg.HiddenSize, cfg.HiddenSize, false),
		Mask:       make([]float32, cfg.MaxPositionEmbeddings),
		MaskedBias: []float32{-1e9},
		embedDim:   cfg.HiddenSize,
		numHeads:   cfg.NumAttentionHeads,
		headDim:    cfg.HeadDim(),
		rotaryDim:  rotary,
		maxCtx:     cfg.MaxPositionEmbeddings,
	}
	for i := range a.Mask {
		a.Mask[i] = 1
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
				return fmt.Errorf("gptj: %s: %T does not implement nn.Linear", name, m)
			}
			*field = l
			return nil
		},
	}
}

// ensure sizes the caches and scratch to the current local width. Sharding
// shrinks embedDim, so the buffers are (re)allocated on the first forward
// after any change.
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
		return fmt.Errorf("gptj: position %d out of context window %d", pos, a.maxCtx)
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

// attend runs the shared tail of the forward pass: rotary on the fresh
// query and key, per-head masked scores over the cache, and the output
// projection (the reduction point when sharded).
func (a *Attention) attend(ctx context.Context, dst []float32, pos int) error {
	a.applyRotary(a.q, pos)
	a.applyRotary(a.kCache.Row(pos), pos)

	invScale := float32(1.0 / math.Sqrt(float64(a.headDim)))
	for h := 0; h < a.numHeads; h++ {
		lo, hi := h*a.headDim, (h+1)*a.headDim
		qh := a.q[lo:hi]
		for t := 0; t <= pos; t++ {
			if a.Mask[pos-t] == 0 {
				a.scores[t] = a.MaskedBias[0]
				continue
			}
			a.scores[t] = tensor.Dot(qh, a.kCache.Row(t)[lo:hi]) * invScale
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

// applyRotary rotates interleaved pairs within the first rotaryDim
// dimensions of each head. Sharding splits whole heads, so the rotation is
// identical on every rank.
func (a *Attention) applyRotary(v []float32, pos int) {
	if a.rotaryDim == 0 {
		return
	}
	for h := 0; h < a.numHeads; h++ {
		base := h * a.headDim
		for d := 0; d < a.rotaryDim; d += 2 {
			theta := float64(pos) * math.Pow(10000, -float64(d)/float64(a.rotaryDim))
			sin, cos := math.Sincos(theta)
			x0, x1 := v[base+d], v[base+d+1]
			v[base+d] = x0*float32(cos) - x1*float32(sin)
			v[base+d+1] = x0*float32(sin) + x1*float32(cos)
		}
	}
}

// MLP is the fc_in / GELU / fc_out feed-forward sub-block.
type MLP struct {
	FcIn, FcOut nn.Linear

	buf []float32
}

func newMLP(cfg *config.Model) *MLP {
	return &MLP{
		FcIn:  nn.NewDense(cfg.HiddenSize, cfg.IntermediateSize, true),
		FcOut: nn.NewDense(cfg.IntermediateSize, cfg.HiddenSize, true),
	}
}

func (m *MLP) Children() []nn.Slot {
	return []nn.Slot{
		linearSlot("fc_in", &m.FcIn),
		linearSlot("fc_out", &m.FcOut),
	}
}

func (m *MLP) Forward(ctx context.Context, dst, x []float32) error {
	if len(m.buf) != m.FcIn.OutFeatures() {
		m.buf = make([]float32, m.FcIn.OutFeatures())
	}
	if err := m.FcIn.Forward(ctx, m.buf, x); err != nil {
		return err
	}
	for i, v := range m.buf {
		m.buf[i] = tensor.GELU(v)
	}
	return m.FcOut.Forward(ctx, dst, m.buf)
}

// Block is one transformer layer. GPT-J uses a parallel residual: both the
// attention and the MLP read the ln_1 output, and their results are added
// to the residual stream together.
type Block struct {
	LN1  *nn.LayerNorm
	Attn AttnModule
	MLP  MLPModule
}

func newBlock(cfg *config.Model) *Block {
	return &Block{
		LN1:  nn.NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEpsilon),
		Attn: newAttention(cfg),
		MLP:  newMLP(cfg),
	}
}

func (b *Block) Children() []nn.Slot {
	return []nn.Slot{
		{
			Name: "ln_1",
			Get:  func() nn.Module { return b.LN1 },
			Set: func(m nn.Module) error {
				n, ok := m.(*nn.LayerNorm)
				if !ok {
					return fmt.Errorf("gptj: ln_1: got %T", m)
				}
				b.LN1 = n
				return nil
			},
		},
		{
			Name: "attn",
			Get:  func() nn.Module { return b.Attn },
			Set: func(m nn.Module) error {
				a, ok := m.(AttnModule)
				if !ok {
					return fmt.Errorf("gptj: attn: %T is not an attention module", m)
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
					return fmt.Errorf("gptj: mlp: %T is not an MLP module", m)
				}
				b.MLP = p
				return nil
			},
		},
	}
}

// Model is a GPT-J causal LM over token ids with incremental decoding
// state. It is not safe for concurrent use; in a device group each rank
// owns its own replica.
type Model struct {
	WTE    nn.Embedder
	Blocks []*Block
	LNF    *nn.LayerNorm
	LMHead nn.Linear

	cfg *config.Model
	pos int

	x, normed, attnOut, mlpOut, final []float32
}

// New builds a randomly initialized model. The same seed yields the
// bit-identical model, which is how every rank of a group starts from the
// same replica.
func New(cfg *config.Model, seed int64) *Model {
	m := newSkeleton(cfg)
	tensor.FillRand(m.WTE.(*nn.Embedding).Weight, seed)
	for i, b := range m.Blocks {
		s := seed + int64(100*(i+1))
		a := b.Attn.(*Attention)
		tensor.FillRand(a.Q.(*nn.Dense).Weight, s+1)
		tensor.FillRand(a.K.(*nn.Dense).Weight, s+2)
		tensor.FillRand(a.V.(*nn.Dense).Weight, s+3)
		tensor.FillRand(a.Out.(*nn.Dense).Weight, s+4)
		mlp := b.MLP.(*MLP)
		tensor.FillRand(mlp.FcIn.(*nn.Dense).Weight, s+5)
		tensor.FillRandVec(mlp.FcIn.(*nn.Dense).Bias, s+6)
		tensor.FillRand(mlp.FcOut.(*nn.Dense).Weight, s+7)
		tensor.FillRandVec(mlp.FcOut.(*nn.Dense).Bias, s+8)
	}
	head := m.LMHead.(*nn.Dense)
	tensor.FillRand(head.Weight, seed+7)
	tensor.FillRandVec(head.Bias, seed+8)
	return m
}

func newSkeleton(cfg *config.Model) *Model {
	m := &Model{
		WTE:    nn.NewEmbedding(cfg.VocabSize, cfg.HiddenSize),
		LNF:    nn.NewLayerNorm(cfg.HiddenSize, cfg.LayerNormEpsilon),
		LMHead: nn.NewDense(cfg.HiddenSize, cfg.VocabSize, true),
		cfg:    cfg,

		x:       make([]float32, cfg.HiddenSize),
		normed:  make([]float32, cfg.HiddenSize),
		attnOut: make([]float32, cfg.HiddenSize),
		mlpOut:  make([]float32, cfg.HiddenSize),
		final:   make([]float32, cfg.HiddenSize),
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		m.Blocks = append(m.Blocks, newBlock(cfg))
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
					return fmt.Errorf("gptj: wte: %T is not an embedder", mod)
				}
				m.WTE = e
				return nil
			},
		},
	}
	for i := range m.Blocks {
		b := m.Blocks[i]
		slots = append(slots, nn.Slot{
			Name: fmt.Sprintf("h.%d", i),
			Get:  func() nn.Module { return b },
			Set:  func(nn.Module) error { return fmt.Errorf("gptj: blocks are fixed") },
		})
	}
	slots = append(slots,
		nn.Slot{
			Name: "ln_f",
			Get:  func() nn.Module { return m.LNF },
			Set:  func(nn.Module) error { return fmt.Errorf("gptj: ln_f is fixed") },
		},
		linearSlot("lm_head", &m.LMHead),
	)
	return slots
}

// Config returns the configuration the model was built from.
func (m *Model) Config() *config.Model { return m.cfg }

// Pos returns the next decode position.
func (m *Model) Pos() int { return m.pos }

// Reset rewinds the decoder to position zero. Cache contents are
// overwritten as decoding proceeds.
func (m *Model) Reset() { m.pos = 0 }

// ForwardToken decodes one token id and returns freshly allocated
// full-vocabulary logits for the next position.
func (m *Model) ForwardToken(ctx context.Context, id int) ([]float32, error) {
	if m.pos >= m.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("gptj: context window %d exhausted", m.cfg.MaxPositionEmbeddings)
	}
	if err := m.WTE.Lookup(ctx, m.x, id); err != nil {
		return nil, err
	}
	for _, b := range m.Blocks {
		b.LN1.Apply(m.normed, m.x)
		if err := b.Attn.Forward(ctx, m.attnOut, m.normed, m.pos); err != nil {
			return nil, err
		}
		if err := b.MLP.Forward(ctx, m.mlpOut, m.normed); err != nil {
			return nil, err
		}
		for i := range m.x {
			m.x[i] += m.attnOut[i] + m.mlpOut[i]
		}
	}
	m.LNF.Apply(m.final, m.x)
	logits := make([]float32, m.cfg.VocabSize)
	if err := m.LMHead.Forward(ctx, logits, m.final); err != nil {
		return nil, err
	}
	m.pos++
	return logits, nil
}
