package parallel

import (
	"strings"

	"github.com/coldreason/oslo-custom/internal/config"
)

// Registry resolves the sharding Policy for a model configuration. It is
// built once at startup and read-only afterwards; there is no ambient
// global registry.
type Registry struct {
	policies []Policy
}

// NewRegistry builds a registry over the given policies, matched in order.
func NewRegistry(policies ...Policy) *Registry {
	return &Registry{policies: policies}
}

// For returns the policy matching the configuration's model_type or
// architectures list, or an UnknownArchitectureError.
func (r *Registry) For(cfg *config.Model) (Policy, error) {
	modelType := normalizeArch(cfg.ModelType)
	archs := make([]string, 0, len(cfg.Architectures))
	for _, a := range cfg.Architectures {
		archs = append(archs, normalizeArch(a))
	}

	for _, p := range r.policies {
		tag := normalizeArch(p.Architecture())
		if strings.Contains(modelType, tag) {
			return p, nil
		}
		for _, a := range archs {
			if strings.Contains(a, tag) {
				return p, nil
			}
		}
	}
	return nil, &UnknownArchitectureError{
		ModelType:     cfg.ModelType,
		Architectures: cfg.Architectures,
	}
}

// normalizeArch lower-cases and strips separators so "GPT-J", "gptj" and
// "gpt_j" compare equal.
func normalizeArch(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
