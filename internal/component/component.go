// Package component provides the generic reducer-driven state machine
// PISA's chain-anchored subsystems (the watcher) are built from: state
// is never mutated incrementally in reaction to individual events.
// Instead, on every new chain head, the component recomputes its
// anchor state from scratch by folding a StateReducer over the blocks
// between the previous head and the new one, then diffs the old and
// new anchor states to decide what edge actions to fire. This makes
// state recovery after a reorg a pure function of the reducer and the
// cached chain, never a log of side effects to unwind.
package component

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

// StateReducer folds chain data into an anchor state of type S. The
// same reducer instance is used for GetInitialState (seeding state at
// a wholly new starting point) and Reduce (advancing state by one
// block).
type StateReducer[S any] interface {
	GetInitialState(block *models.Block) S
	Reduce(prev S, block *models.Block) S
}

// EdgeListener is notified whenever the anchor state changes as a
// result of folding new blocks. Implementations diff prev against next
// to decide which edge actions, if any, to take.
type EdgeListener[S any] func(prev, next S, head *models.Block)

// Component drives a StateReducer against a shared BlockCache,
// recomputing state on every new head and invoking its edge listener
// with the before/after states.
type Component[S any] struct {
	name     string
	cache    *blockcache.BlockCache
	reducer  StateReducer[S]
	listener EdgeListener[S]

	state    S
	headHash common.Hash
	seeded   bool
}

// New creates a component bound to cache, driven by reducer, notifying
// listener of every state transition. name is used only for error
// messages.
func New[S any](name string, cache *blockcache.BlockCache, reducer StateReducer[S], listener EdgeListener[S]) *Component[S] {
	return &Component[S]{
		name:     name,
		cache:    cache,
		reducer:  reducer,
		listener: listener,
	}
}

// HandleNewHead recomputes this component's anchor state for the new
// chain head. On the first call the state is seeded directly from
// head via GetInitialState. On later calls it folds Reduce over every
// block between the nearest common ancestor of the previous and new
// head and the new head itself, which correctly handles both simple
// extension and reorgs without ever depending on side-effect history.
func (c *Component[S]) HandleNewHead(head *models.Block) error {
	if !c.seeded {
		c.state = c.reducer.GetInitialState(head)
		c.headHash = head.Hash
		c.seeded = true
		return nil
	}

	prevState := c.state

	ancestor, path, err := c.cache.PathFromCommonAncestor(c.headHash, head.Hash)
	if err != nil {
		return fmt.Errorf("component %s: %w", c.name, err)
	}

	next := c.reducer.GetInitialState(ancestor)
	for _, b := range path {
		next = c.reducer.Reduce(next, b)
	}

	c.state = next
	c.headHash = head.Hash

	if c.listener != nil {
		c.listener(prevState, next, head)
	}

	return nil
}

// State returns the component's current anchor state.
func (c *Component[S]) State() S { return c.state }
