package config

import "testing"

const gptjJSON = `{
  "model_type": "gptj",
  "architectures": ["GPTJForCausalLM"],
  "vocab_size": 50400,
  "n_embd": 4096,
  "n_head": 16,
  "n_layer": 28,
  "n_positions": 2048,
  "rotary_dim": 64,
  "layer_norm_epsilon": 1e-5
}`

const gptNeoJSON = `{
  "model_type": "gpt_neo",
  "architectures": ["GPTNeoForCausalLM"],
  "vocab_size": 50257,
  "hidden_size": 768,
  "num_heads": 12,
  "num_layers": 12,
  "max_position_embeddings": 2048,
  "attention_types": [[["global", "local"], 6]],
  "window_size": 256
}`

func TestParseGPTJ(t *testing.T) {
	cfg, err := Parse([]byte(gptjJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ModelType != "gptj" {
		t.Fatalf("ModelType = %q", cfg.ModelType)
	}
	if cfg.HiddenSize != 4096 || cfg.NumAttentionHeads != 16 || cfg.NumHiddenLayers != 28 {
		t.Fatalf("normalized dims wrong: %+v", cfg)
	}
	if cfg.IntermediateSize != 4*4096 {
		t.Fatalf("IntermediateSize = %d, want %d", cfg.IntermediateSize, 4*4096)
	}
	if cfg.RotaryDim != 64 {
		t.Fatalf("RotaryDim = %d", cfg.RotaryDim)
	}
	if cfg.HeadDim() != 256 {
		t.Fatalf("HeadDim = %d", cfg.HeadDim())
	}
	if cfg.AttentionType(3) != "global" {
		t.Fatalf("AttentionType(3) = %q", cfg.AttentionType(3))
	}
}

func TestParseGPTNeo(t *testing.T) {
	cfg, err := Parse([]byte(gptNeoJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HiddenSize != 768 || cfg.NumAttentionHeads != 12 || cfg.NumHiddenLayers != 12 {
		t.Fatalf("normalized dims wrong: %+v", cfg)
	}
	if len(cfg.AttentionTypes) != 12 {
		t.Fatalf("AttentionTypes length = %d", len(cfg.AttentionTypes))
	}
	for i, at := range cfg.AttentionTypes {
		want := "global"
		if i%2 == 1 {
			want = "local"
		}
		if at != want {
			t.Fatalf("layer %d attention type %q, want %q", i, at, want)
		}
	}
	if cfg.WindowSize != 256 {
		t.Fatalf("WindowSize = %d", cfg.WindowSize)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"garbage", `{`},
		{"no-vocab", `{"model_type":"gptj","n_embd":64,"n_head":4,"n_layer":2,"n_positions":128}`},
		{"heads-indivisible", `{"model_type":"gptj","vocab_size":100,"n_embd":65,"n_head":4,"n_layer":2,"n_positions":128}`},
		{"local-without-window", `{"model_type":"gpt_neo","vocab_size":100,"hidden_size":64,"num_heads":4,"num_layers":2,"max_position_embeddings":128,"attention_types":[[["local","local"],1]]}`},
		{"attention-types-mismatch", `{"model_type":"gpt_neo","vocab_size":100,"hidden_size":64,"num_heads":4,"num_layers":3,"max_position_embeddings":128,"window_size":32,"attention_types":[[["global","local"],1]]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.json)); err == nil {
				t.Fatal("Parse succeeded, want error")
			}
		})
	}
}
