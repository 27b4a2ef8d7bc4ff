// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package overlay implements the package-set / stage composition layer:
// a chain of stages each contributing lazily evaluated, memoized
// package definitions, with open recursion across the chain so that an
// override in a later stage is visible to every earlier definition that
// reads through "self". Each attribute has exactly three states
// (unevaluated, evaluating, resolved-or-failed), tracked with a boolean
// flag rather than a channel other goroutines wait on, since nothing in
// this layer has concurrent callers in practice.
package overlay

import (
	"errors"
	"fmt"
	"sync"

	"strata.dev/pkg/internal/xmaps"
	"strata.dev/pkg/store"
)

// ErrCycle is returned (wrapped with the attribute name) when resolving
// an attribute would reenter its own evaluation.
var ErrCycle = errors.New("cycle")

// Definition computes a package lazily. final is the outermost set in
// the whole composition (for "self.x"-style lookups that must observe
// later overrides); prev is the stage immediately before the one that
// declared this definition (for "prev.x"-style lookups that
// deliberately pin an earlier version, breaking a rebuild cycle).
type Definition func(final, prev *Set) (*store.Package, error)

// Overlay extends or overrides a package set: given the eventual final
// set and the stage being extended, it returns the attribute
// definitions to add or replace at the new stage. Folding a list of
// overlays with [Compose] is equivalent to writing out the stage chain
// by hand with repeated calls to [Set.Extend].
type Overlay func(final, prev *Set) map[string]Definition

// root holds the state shared by every stage of one composition: which
// stage is currently outermost (every [Definition] is called with this
// as "final", regardless of which stage's chain led to it), and the
// memoization cache, keyed by which view (which stage) an attribute was
// requested through, since "final.Get(x)" and an earlier stage's
// "prev.Get(x)" may legitimately resolve to different packages.
type root struct {
	mu        sync.Mutex
	outermost *Set
	cache     map[cacheKey]*cacheEntry
}

type cacheKey struct {
	view *Set
	name string
}

type cacheEntry struct {
	evaluating bool
	resolved   bool
	value      *store.Package
	err        error
}

// Set is one stage of a package-set composition. The zero value is not
// usable; construct one with [New], [Set.Extend], or [Compose].
type Set struct {
	root *root
	prev *Set
	defs map[string]Definition

	// final marks a forwarding placeholder created by [Compose] before
	// the chain was complete: Get resolves it to the composition's
	// current outermost stage rather than treating it as a stage in its
	// own right.
	final bool
}

// New returns the first stage of a composition, with no previous
// stage. It is also, until something extends it, the outermost stage.
func New(defs map[string]Definition) *Set {
	s := &Set{defs: defs}
	s.root = &root{cache: make(map[cacheKey]*cacheEntry), outermost: s}
	return s
}

// Extend returns a new stage layered on top of s, sharing s's
// memoization root and becoming the new outermost stage: every
// [Definition] anywhere in the chain, including ones declared before
// this call, now receives the returned set as "final".
func (s *Set) Extend(defs map[string]Definition) *Set {
	next := &Set{root: s.root, prev: s, defs: defs}
	s.root.mu.Lock()
	s.root.outermost = next
	s.root.mu.Unlock()
	return next
}

// Compose folds a list of overlays into a single stage chain and
// returns the outermost set. Each overlay is invoked with final bound
// to the eventual outermost set (so overlays may themselves read
// final.x) and prev bound to the stage being extended.
func Compose(overlays ...Overlay) *Set {
	var cur *Set
	rt := &root{cache: make(map[cacheKey]*cacheEntry)}
	for _, ov := range overlays {
		var prev *Set
		if cur != nil {
			prev = cur
		}
		// final isn't known until the whole chain is built, but
		// Definition values only read it when actually invoked (lazily,
		// well after Compose returns), so a forwarding placeholder that
		// always reads rt.outermost is sufficient here.
		defs := ov(finalPlaceholder(rt), prev)
		next := &Set{root: rt, prev: prev, defs: defs}
		rt.outermost = next
		cur = next
	}
	if cur == nil {
		cur = New(nil)
		return cur
	}
	return cur
}

// finalPlaceholder returns a *Set that always forwards to whichever
// stage is currently outermost in rt, so that overlays composed before
// the chain is complete still observe later stages through it.
func finalPlaceholder(rt *root) *Set {
	return &Set{root: rt, defs: nil, prev: nil, final: true}
}

// Get resolves name by walking the stage chain from s backward to the
// first stage that defines it, then evaluating that definition with
// final bound to the composition's current outermost stage and prev
// bound to the stage preceding the definer.
//
// Repeated calls for the same (view, name) pair return the identical
// cached Package; a definition that is still being evaluated when it is
// reentered (directly or through a dependency cycle) fails with
// [ErrCycle] rather than recursing forever.
func (s *Set) Get(name string) (*store.Package, error) {
	view := s
	if s.final {
		s.root.mu.Lock()
		view = s.root.outermost
		s.root.mu.Unlock()
	}

	definer := view
	for definer != nil {
		if _, ok := definer.defs[name]; ok {
			break
		}
		definer = definer.prev
	}
	if definer == nil {
		return nil, fmt.Errorf("attribute %q: not defined", name)
	}

	key := cacheKey{view: view, name: name}
	rt := view.root

	rt.mu.Lock()
	entry, ok := rt.cache[key]
	if !ok {
		entry = new(cacheEntry)
		rt.cache[key] = entry
	}
	if entry.evaluating {
		rt.mu.Unlock()
		return nil, fmt.Errorf("attribute %q: %w", name, ErrCycle)
	}
	if entry.resolved {
		v, err := entry.value, entry.err
		rt.mu.Unlock()
		return v, err
	}
	entry.evaluating = true
	outermost := rt.outermost
	rt.mu.Unlock()

	def := definer.defs[name]
	value, err := def(outermost, definer.prev)
	if err != nil {
		err = fmt.Errorf("attribute %q: %w", name, err)
	}

	rt.mu.Lock()
	entry.evaluating = false
	entry.resolved = true
	entry.value = value
	entry.err = err
	rt.mu.Unlock()

	return value, err
}

// Prev returns a view of the set as it existed at the stage
// immediately before s, for use inside a [Definition] that wants to
// read "prev.x" explicitly rather than through "self". It returns nil
// if s is the first stage in its chain.
func (s *Set) Prev() *Set {
	return s.prev
}

// Names returns the sorted list of every attribute name defined
// anywhere in the chain from the first stage through s, inclusive: the
// set of names a caller could successfully pass to [Set.Get]. Extending
// s can only add names to this set, never remove one, since a later
// stage's defs only shadow an earlier definition rather than delete it.
func (s *Set) Names() []string {
	view := s
	if s.final {
		s.root.mu.Lock()
		view = s.root.outermost
		s.root.mu.Unlock()
	}
	seen := make(map[string]struct{})
	for st := view; st != nil; st = st.prev {
		for name := range st.defs {
			seen[name] = struct{}{}
		}
	}
	return xmaps.SortedKeys(seen)
}
