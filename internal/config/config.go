// Package config parses HuggingFace config.json files for the supported
// architectures and normalizes the field aliases they use (n_embd vs
// hidden_size, n_head vs num_heads, and so on).
package config

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// Model is the normalized model configuration consumed by the model
// builders and the sharding policies.
type Model struct {
	ModelType     string
	Architectures []string

	VocabSize             int
	HiddenSize            int
	NumAttentionHeads     int
	NumHiddenLayers       int
	IntermediateSize      int // MLP inner width; defaults to 4*HiddenSize
	RotaryDim             int // GPT-J only; 0 when absent
	MaxPositionEmbeddings int
	LayerNormEpsilon      float32

	// AttentionTypes holds one entry per layer, "global" or "local".
	// Empty means every layer is global.
	AttentionTypes []string
	WindowSize     int // span of "local" attention layers
}

type rawConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	VocabSize int `json:"vocab_size"`

	NEmbd      int `json:"n_embd"`
	HiddenSize int `json:"hidden_size"`

	NHead             int `json:"n_head"`
	NumHeads          int `json:"num_heads"`
	NumAttentionHeads int `json:"num_attention_heads"`

	NLayer          int `json:"n_layer"`
	NumLayers       int `json:"num_layers"`
	NumHiddenLayers int `json:"num_hidden_layers"`

	NInner           int `json:"n_inner"`
	IntermediateSize int `json:"intermediate_size"`

	NPositions            int `json:"n_positions"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`

	RotaryDim        int     `json:"rotary_dim"`
	LayerNormEpsilon float64 `json:"layer_norm_epsilon"`

	AttentionTypes json.RawMessage `json:"attention_types"`
	WindowSize     int             `json:"window_size"`
}

// Parse decodes and normalizes a config.json payload.
func Parse(raw []byte) (*Model, error) {
	var rc rawConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	m := &Model{
		ModelType:             strings.ToLower(strings.TrimSpace(rc.ModelType)),
		Architectures:         rc.Architectures,
		VocabSize:             rc.VocabSize,
		HiddenSize:            first(rc.HiddenSize, rc.NEmbd),
		NumAttentionHeads:     first(rc.NumAttentionHeads, rc.NumHeads, rc.NHead),
		NumHiddenLayers:       first(rc.NumHiddenLayers, rc.NumLayers, rc.NLayer),
		IntermediateSize:      first(rc.IntermediateSize, rc.NInner),
		RotaryDim:             rc.RotaryDim,
		MaxPositionEmbeddings: first(rc.MaxPositionEmbeddings, rc.NPositions),
		LayerNormEpsilon:      float32(rc.LayerNormEpsilon),
		WindowSize:            rc.WindowSize,
	}
	if m.IntermediateSize == 0 {
		m.IntermediateSize = 4 * m.HiddenSize
	}
	if m.LayerNormEpsilon == 0 {
		m.LayerNormEpsilon = 1e-5
	}

	if len(rc.AttentionTypes) > 0 {
		types, err := expandAttentionTypes(rc.AttentionTypes, m.NumHiddenLayers)
		if err != nil {
			return nil, err
		}
		m.AttentionTypes = types
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads and parses a config.json file.
func Load(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw)
}

func (m *Model) validate() error {
	switch {
	case m.VocabSize <= 0:
		return fmt.Errorf("config: vocab_size must be positive, got %d", m.VocabSize)
	case m.HiddenSize <= 0:
		return fmt.Errorf("config: hidden size must be positive, got %d", m.HiddenSize)
	case m.NumAttentionHeads <= 0:
		return fmt.Errorf("config: attention head count must be positive, got %d", m.NumAttentionHeads)
	case m.NumHiddenLayers <= 0:
		return fmt.Errorf("config: layer count must be positive, got %d", m.NumHiddenLayers)
	case m.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("config: max position embeddings must be positive, got %d", m.MaxPositionEmbeddings)
	case m.HiddenSize%m.NumAttentionHeads != 0:
		return fmt.Errorf("config: hidden size %d not divisible by %d heads", m.HiddenSize, m.NumAttentionHeads)
	}
	if len(m.AttentionTypes) > 0 && len(m.AttentionTypes) != m.NumHiddenLayers {
		return fmt.Errorf("config: %d attention types for %d layers", len(m.AttentionTypes), m.NumHiddenLayers)
	}
	for _, at := range m.AttentionTypes {
		if at != "global" && at != "local" {
			return fmt.Errorf("config: unknown attention type %q", at)
		}
		if at == "local" && m.WindowSize <= 0 {
			return fmt.Errorf("config: local attention requires positive window_size")
		}
	}
	return nil
}

// HeadDim returns the per-head width.
func (m *Model) HeadDim() int { return m.HiddenSize / m.NumAttentionHeads }

// AttentionType returns the attention variant of one layer.
func (m *Model) AttentionType(layer int) string {
	if layer < 0 || layer >= len(m.AttentionTypes) {
		return "global"
	}
	return m.AttentionTypes[layer]
}

// expandAttentionTypes flattens the HF nested form
// [[["global","local"], 12]] into one entry per layer.
func expandAttentionTypes(raw json.RawMessage, numLayers int) ([]string, error) {
	var groups [][]json.RawMessage
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("config: attention_types: %w", err)
	}
	var out []string
	for _, group := range groups {
		if len(group) != 2 {
			return nil, fmt.Errorf("config: attention_types group must have 2 elements, got %d", len(group))
		}
		var cycle []string
		if err := json.Unmarshal(group[0], &cycle); err != nil {
			return nil, fmt.Errorf("config: attention_types cycle: %w", err)
		}
		var repeat int
		if err := json.Unmarshal(group[1], &repeat); err != nil {
			return nil, fmt.Errorf("config: attention_types repeat: %w", err)
		}
		if len(cycle) == 0 || repeat <= 0 {
			return nil, fmt.Errorf("config: empty attention_types group")
		}
		// Each repetition emits the full cycle: [["global","local"], 6]
		// expands to 12 layer entries.
		for i := 0; i < repeat; i++ {
			out = append(out, cycle...)
		}
	}
	if numLayers > 0 && len(out) != numLayers {
		return nil, fmt.Errorf("config: attention_types expands to %d entries for %d layers", len(out), numLayers)
	}
	return out, nil
}

func first(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
