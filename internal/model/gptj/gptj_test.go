package gptj

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/nn"
	"github.com/coldreason/oslo-custom/internal/parallel"
)

func tinyConfig() *config.Model {
	return &config.Model{
		ModelType:             ModelType,
		VocabSize:             16,
		HiddenSize:            8,
		NumAttentionHeads:     4,
		NumHiddenLayers:       2,
		IntermediateSize:      16,
		RotaryDim:             2,
		MaxPositionEmbeddings: 8,
		LayerNormEpsilon:      1e-5,
	}
}

func TestForwardDeterminism(t *testing.T) {
	cfg := tinyConfig()
	a := New(cfg, 42)
	b := New(cfg, 42)
	ctx := context.Background()

	for _, id := range []int{3, 1, 7} {
		la, err := a.ForwardToken(ctx, id)
		if err != nil {
			t.Fatalf("a: %v", err)
		}
		lb, err := b.ForwardToken(ctx, id)
		if err != nil {
			t.Fatalf("b: %v", err)
		}
		for i := range la {
			if la[i] != lb[i] {
				t.Fatalf("id %d logit %d differs: %v vs %v", id, i, la[i], lb[i])
			}
		}
	}
}

func TestContextWindowExhausted(t *testing.T) {
	cfg := tinyConfig()
	m := New(cfg, 1)
	ctx := context.Background()
	for i := 0; i < cfg.MaxPositionEmbeddings; i++ {
		if _, err := m.ForwardToken(ctx, 0); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}
	if _, err := m.ForwardToken(ctx, 0); err == nil {
		t.Fatal("decode past the context window succeeded")
	}
	m.Reset()
	if _, err := m.ForwardToken(ctx, 0); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestPolicyCoversEveryParameter(t *testing.T) {
	cfg := tinyConfig()
	m := New(cfg, 3)
	p := Policy{}

	count := len(p.WordEmbedding(m, cfg)) + len(p.PostBlock(m, cfg))
	for _, b := range p.Blocks(m) {
		count += len(p.AttnQKV(b, cfg)) + len(p.AttnOut(b, cfg)) +
			len(p.AttnNorm(b, cfg)) + len(p.MLPIn(b, cfg)) +
			len(p.MLPOut(b, cfg)) + len(p.MLPNorm(b, cfg)) +
			len(p.CopyToAll(b, cfg))
	}
	// Per block: q, k, v, out, ln_1 pair, fc_in, fc_out, mask, masked_bias.
	want := 1 + cfg.NumHiddenLayers*10 + 3
	if count != want {
		t.Fatalf("policy enumerates %d descriptors, want %d", count, want)
	}

	we := p.WordEmbedding(m, cfg)
	if we[0].Replace != parallel.VocabParallel || we[0].Replicate {
		t.Fatalf("wte descriptor: %+v", we[0])
	}
	for _, l := range p.PostBlock(m, cfg) {
		if !l.Replicate {
			t.Fatalf("postblock descriptor %q not replicated", l.Name)
		}
	}
}

func TestReduceArgumentsHalvesLocalShape(t *testing.T) {
	cfg := tinyConfig()
	m := New(cfg, 4)
	p := Policy{}

	b := m.Blocks[0]
	p.ReduceArguments(b, 2, cfg)
	a := b.Attn.(*Attention)
	if a.embedDim != cfg.HiddenSize/2 || a.numHeads != cfg.NumAttentionHeads/2 {
		t.Fatalf("embedDim=%d numHeads=%d", a.embedDim, a.numHeads)
	}
	if a.headDim != cfg.HeadDim() {
		t.Fatalf("headDim changed to %d", a.headDim)
	}
}

// writeCheckpoint emits a minimal single-file safetensors checkpoint with
// every tensor the loader expects, all F32, filled with a recognizable
// per-tensor constant.
func writeCheckpoint(t *testing.T, path string, cfg *config.Model) map[string]float32 {
	t.Helper()
	hidden, vocab, inner := cfg.HiddenSize, cfg.VocabSize, cfg.IntermediateSize

	type entry struct {
		name  string
		shape []int
	}
	var entries []entry
	add := func(name string, shape ...int) { entries = append(entries, entry{name, shape}) }

	add("transformer.wte.weight", vocab, hidden)
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		p := fmt.Sprintf("transformer.h.%d.", i)
		add(p+"ln_1.weight", hidden)
		add(p+"ln_1.bias", hidden)
		add(p+"attn.q_proj.weight", hidden, hidden)
		add(p+"attn.k_proj.weight", hidden, hidden)
		add(p+"attn.v_proj.weight", hidden, hidden)
		add(p+"attn.out_proj.weight", hidden, hidden)
		add(p+"mlp.fc_in.weight", inner, hidden)
		add(p+"mlp.fc_in.bias", inner)
		add(p+"mlp.fc_out.weight", hidden, inner)
		add(p+"mlp.fc_out.bias", hidden)
	}
	add("transformer.ln_f.weight", hidden)
	add("transformer.ln_f.bias", hidden)
	add("lm_head.weight", vocab, hidden)
	add("lm_head.bias", vocab)

	header := make(map[string]any, len(entries))
	fills := make(map[string]float32, len(entries))
	var data []byte
	off := 0
	for i, e := range entries {
		n := 1
		for _, d := range e.shape {
			n *= d
		}
		fill := float32(i+1) * 0.001
		fills[e.name] = fill
		buf := make([]byte, n*4)
		for j := 0; j < n; j++ {
			binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(fill))
		}
		header[e.name] = map[string]any{
			"dtype":        "F32",
			"shape":        e.shape,
			"data_offsets": []int{off, off + len(buf)},
		}
		off += len(buf)
		data = append(data, buf...)
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	out := make([]byte, 0, 8+len(headerBytes)+len(data))
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, headerBytes...)
	out = append(out, data...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
	return fills
}

func TestLoadCheckpoint(t *testing.T) {
	cfg := tinyConfig()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	fills := writeCheckpoint(t, path, cfg)

	m, err := Load(cfg, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wte := m.WTE.(*nn.Embedding).Weight
	if wte.R != cfg.VocabSize || wte.C != cfg.HiddenSize {
		t.Fatalf("wte shape [%d %d]", wte.R, wte.C)
	}
	if got := wte.Data[0]; got != fills["transformer.wte.weight"] {
		t.Fatalf("wte fill %v, want %v", got, fills["transformer.wte.weight"])
	}

	q := m.Blocks[1].Attn.(*Attention).Q.(*nn.Dense).Weight
	if got := q.Data[0]; got != fills["transformer.h.1.attn.q_proj.weight"] {
		t.Fatalf("q_proj fill %v, want %v", got, fills["transformer.h.1.attn.q_proj.weight"])
	}

	head := m.LMHead.(*nn.Dense)
	if got := head.Bias[0]; got != fills["lm_head.bias"] {
		t.Fatalf("lm_head.bias fill %v, want %v", got, fills["lm_head.bias"])
	}
}

func TestLoadMissingTensor(t *testing.T) {
	cfg := tinyConfig()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	// A checkpoint with only the embedding present.
	header := map[string]any{
		"transformer.wte.weight": map[string]any{
			"dtype":        "F32",
			"shape":        []int{cfg.VocabSize, cfg.HiddenSize},
			"data_offsets": []int{0, cfg.VocabSize * cfg.HiddenSize * 4},
		},
	}
	headerBytes, _ := json.Marshal(header)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	out := append(lenBuf[:], headerBytes...)
	out = append(out, make([]byte, cfg.VocabSize*cfg.HiddenSize*4)...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(cfg, path); err == nil {
		t.Fatal("load of incomplete checkpoint succeeded")
	}
}
