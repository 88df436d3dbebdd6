// Package stack implements the ordered chain of delta layers a ploop
// device presents as one virtual disk: a top-down mapper walk, and the
// structural operations (PushTop, ReplaceRange) that change the chain itself.
package stack

import (
	"sync"

	"github.com/ploop/ploop/internal/delta"
)

// Stack is an ordered chain of layers, bottom (index 0) to top
// (index len-1). Only the top layer is ever written to directly; lower
// layers are read-only from the stack's perspective, even if individually
// writable (e.g. during a merge).
type Stack struct {
	mu     sync.RWMutex
	layers []delta.Layer
}

// New builds a stack from bottom to top. layers[0] is conventionally a
// RawBase or an image-base delta; the last entry is the writable top.
func New(layers ...delta.Layer) *Stack {
	s := &Stack{layers: append([]delta.Layer{}, layers...)}
	return s
}

// Top returns the writable top-of-stack layer.
func (s *Stack) Top() delta.Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layers[len(s.layers)-1]
}

// Depth reports how many layers the stack currently has.
func (s *Stack) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.layers)
}

// Layers returns a snapshot of the current chain, bottom to top.
func (s *Stack) Layers() []delta.Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]delta.Layer, len(s.layers))
	copy(out, s.layers)
	return out
}

// Resolve walks the stack top-down to find which layer, if any, maps the
// given logical cluster, returning the layer, the physical cluster within
// it, and whether a mapping was found at all (false only if every layer is
// a sparse delta and all report a hole — a raw base always reports true).
func (s *Stack) Resolve(logical uint32) (layer delta.Layer, physical uint32, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		if phys, ok := l.Lookup(logical); ok {
			return l, phys, true
		}
	}
	return nil, 0, false
}

// ResolveBelow walks the stack top-down starting strictly below fromIndex,
// used by copy-up to find the nearest lower layer that maps a cluster.
func (s *Stack) ResolveBelow(logical uint32, fromIndex int) (layer delta.Layer, physical uint32, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := fromIndex - 1; i >= 0; i-- {
		l := s.layers[i]
		if phys, ok := l.Lookup(logical); ok {
			return l, phys, true
		}
	}
	return nil, 0, false
}

// IndexOf returns a layer's position in the chain, or -1 if absent.
func (s *Stack) IndexOf(l delta.Layer) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, cur := range s.layers {
		if cur == l {
			return i
		}
	}
	return -1
}

// PushTop adds a new writable layer above the current top, demoting the
// old top to read-only. Used by Snapshot. The caller must already have
// quiesced the stack (see internal/cluster).
func (s *Stack) PushTop(top delta.Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.layers) > 0 {
		if ro, ok := s.layers[len(s.layers)-1].(interface{ SetReadOnly(bool) }); ok {
			ro.SetReadOnly(true)
		}
	}
	s.layers = append(s.layers, top)
}

// ReplaceRange atomically swaps layers[start:end] for a single replacement
// layer, used by Merge to collapse a contiguous run of deltas into one.
// The caller must hold quiescence over the affected range for the duration
// of the merge; ReplaceRange itself only performs the pointer swap.
func (s *Stack) ReplaceRange(start, end int, replacement delta.Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := append([]delta.Layer{replacement}, s.layers[end:]...)
	s.layers = append(s.layers[:start:start], tail...)
}

// VirtualSizeClusters returns the stack's overall virtual size, which is
// the top layer's, since Grow always grows the top first and lower layers
// never exceed it.
func (s *Stack) VirtualSizeClusters() uint64 {
	return s.Top().VirtualSizeClusters()
}

// Close closes every layer in the stack, bottom to top, returning the
// first error encountered while still attempting to close the rest.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, l := range s.layers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
