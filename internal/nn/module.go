// Package nn defines the module abstractions shared by the model
// implementations and the parallel engine: a tree of modules whose child
// positions are addressable, inspectable, and replaceable by name.
package nn

import (
	"fmt"
	"strings"
)

// Module is a node in a model tree. Leaf modules return nil children.
type Module interface {
	// Children returns the named, replaceable child slots of this module.
	Children() []Slot
}

// Slot is one mutable child position in a module tree. Substituting a
// module writes through Set, replacing the slot's content in place; the
// previous occupant is discarded and must not be referenced again.
type Slot struct {
	Name string
	Get  func() Module
	Set  func(Module) error
}

// Valid reports whether the slot addresses a real tree position.
func (s Slot) Valid() bool { return s.Get != nil && s.Set != nil }

// Child returns the immediate child slot with the given name.
func Child(m Module, name string) (Slot, bool) {
	for _, s := range m.Children() {
		if s.Name == name {
			return s, true
		}
	}
	return Slot{}, false
}

// Lookup resolves a dot-separated path (for example "attn.q_proj") from m.
func Lookup(m Module, path string) (Slot, error) {
	parts := strings.Split(path, ".")
	cur := m
	for i, part := range parts {
		s, ok := Child(cur, part)
		if !ok {
			return Slot{}, fmt.Errorf("nn: no child %q under %q", part, strings.Join(parts[:i], "."))
		}
		if i == len(parts)-1 {
			return s, nil
		}
		cur = s.Get()
		if cur == nil {
			return Slot{}, fmt.Errorf("nn: empty slot %q", strings.Join(parts[:i+1], "."))
		}
	}
	return Slot{}, fmt.Errorf("nn: empty path")
}

// Walk visits root and every reachable descendant depth-first.
func Walk(root Module, visit func(Module)) {
	if root == nil {
		return
	}
	visit(root)
	for _, s := range root.Children() {
		if child := s.Get(); child != nil {
			Walk(child, visit)
		}
	}
}
