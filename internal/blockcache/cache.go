// Package blockcache holds a bounded, fork-aware window of recently
// seen blocks, keyed by hash, so downstream components can walk
// ancestry and diff two competing heads without re-fetching from a
// node.
package blockcache

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"pisa/pkg/models"
)

// ErrBlockNotFound is returned when a hash has no corresponding entry
// in the cache.
var ErrBlockNotFound = errors.New("blockcache: block not found")

// ErrNoCommonAncestor is returned when two hashes share no ancestor
// still resident in the cache; the caller has fallen further behind
// than maxDepth allows.
var ErrNoCommonAncestor = errors.New("blockcache: no common ancestor in window")

// BlockCache stores at most maxDepth+1 heights' worth of blocks. It never
// tracks a single canonical chain: multiple blocks at the same height
// (competing forks) coexist until one branch falls below the retained
// window and is evicted.
type BlockCache struct {
	maxDepth uint64

	blocks map[common.Hash]*models.Block
	// byHeight indexes every retained block's hash by its height, to
	// support eviction and MinHeight/MaxHeight without a linear scan.
	byHeight map[uint64][]common.Hash

	minHeight uint64
	maxHeight uint64
	hasBlocks bool
}

// NewBlockCache creates an empty cache retaining at most maxDepth+1
// distinct heights (maxHeight-maxDepth through maxHeight).
func NewBlockCache(maxDepth uint64) *BlockCache {
	if maxDepth == 0 {
		maxDepth = 1
	}
	return &BlockCache{
		maxDepth: maxDepth,
		blocks:   make(map[common.Hash]*models.Block),
		byHeight: make(map[uint64][]common.Hash),
	}
}

// CanAddBlock reports whether block may be admitted: the cache is
// empty (bootstrapping a fresh window), its parent is already cached,
// or it sits at or below the lowest retained height.
func (c *BlockCache) CanAddBlock(block *models.Block) bool {
	if !c.hasBlocks {
		return true
	}
	if _, ok := c.blocks[block.ParentHash]; ok {
		return true
	}
	// A block at or below the lowest retained height is admitted even
	// with an unknown parent. AddBlock then lowers minHeight to it; it
	// stays resident unless the window's floor is already above it.
	return block.Number <= c.minHeight
}

// AddBlock inserts block into the cache and evicts any height that has
// fallen more than maxDepth below the new maximum height. Insertion is
// gated on CanAddBlock: a block whose parent isn't cached and which
// doesn't already sit at or below the floor is rejected outright,
// since admitting it would silently start a second, disconnected
// window the rest of the fork-aware machinery can't reason about.
func (c *BlockCache) AddBlock(block *models.Block) {
	if !c.CanAddBlock(block) {
		return
	}
	if _, exists := c.blocks[block.Hash]; exists {
		return
	}

	c.blocks[block.Hash] = block
	c.byHeight[block.Number] = append(c.byHeight[block.Number], block.Hash)

	if !c.hasBlocks {
		c.hasBlocks = true
		c.minHeight = block.Number
		c.maxHeight = block.Number
	} else {
		if block.Number > c.maxHeight {
			c.maxHeight = block.Number
		}
		if block.Number < c.minHeight {
			c.minHeight = block.Number
		}
	}

	c.evictBelowFloor()
}

// evictBelowFloor drops every block below maxHeight-maxDepth, per
// spec.md §4.1 ("evicts blocks with number < maxHeight - maxDepth"),
// leaving maxDepth+1 distinct heights resident.
func (c *BlockCache) evictBelowFloor() {
	if c.maxHeight < c.maxDepth {
		return
	}
	floor := c.maxHeight - c.maxDepth
	if floor <= c.minHeight {
		return
	}

	for h := c.minHeight; h < floor; h++ {
		for _, hash := range c.byHeight[h] {
			delete(c.blocks, hash)
		}
		delete(c.byHeight, h)
	}
	c.minHeight = floor
}

// MinHeight returns the lowest height still resident in the cache.
func (c *BlockCache) MinHeight() uint64 { return c.minHeight }

// MaxHeight returns the highest height ever admitted to the cache.
func (c *BlockCache) MaxHeight() uint64 { return c.maxHeight }

// GetBlockStub returns the block stored under hash, if any.
func (c *BlockCache) GetBlockStub(hash common.Hash) (*models.Block, bool) {
	b, ok := c.blocks[hash]
	return b, ok
}

// Ancestry walks from hash back through ParentHash links while every
// step remains resident in the cache, returning the chain from hash
// down to (and including) the deepest still-cached ancestor, ordered
// oldest first.
func (c *BlockCache) Ancestry(hash common.Hash) []*models.Block {
	var chain []*models.Block
	cur, ok := c.blocks[hash]
	for ok {
		chain = append(chain, cur)
		cur, ok = c.blocks[cur.ParentHash]
	}
	// reverse into oldest-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// FindAncestor returns the nearest ancestor of hash (inclusive) for
// which pred returns true, or false if none is found before the
// cached ancestry runs out.
func (c *BlockCache) FindAncestor(hash common.Hash, pred func(*models.Block) bool) (*models.Block, bool) {
	cur, ok := c.blocks[hash]
	for ok {
		if pred(cur) {
			return cur, true
		}
		cur, ok = c.blocks[cur.ParentHash]
	}
	return nil, false
}

// PathFromCommonAncestor finds the nearest block that is an ancestor
// of both prevHead and newHead (inclusive of either endpoint) and
// returns the blocks after that ancestor up to and including newHead,
// oldest first, plus the ancestor itself. It is the primitive every
// reducer fold uses to process only the blocks introduced by a head
// change, correctly handling both simple extension and reorgs.
func (c *BlockCache) PathFromCommonAncestor(prevHead, newHead common.Hash) (ancestor *models.Block, path []*models.Block, err error) {
	prevAncestry := c.Ancestry(prevHead)
	prevSet := make(map[common.Hash]int, len(prevAncestry))
	for i, b := range prevAncestry {
		prevSet[b.Hash] = i
	}

	newAncestry := c.Ancestry(newHead)
	for i := len(newAncestry) - 1; i >= 0; i-- {
		if idx, ok := prevSet[newAncestry[i].Hash]; ok {
			ancestor = prevAncestry[idx]
			path = append([]*models.Block(nil), newAncestry[i+1:]...)
			return ancestor, path, nil
		}
	}

	return nil, nil, ErrNoCommonAncestor
}

// GetConfirmations returns how many blocks (inclusive of the block
// containing txBlockHash) separate the chain head from the block a
// transaction was included in, or false if txBlockHash is not an
// ancestor of head within the cached window.
func (c *BlockCache) GetConfirmations(head, txBlockHash common.Hash) (uint64, bool) {
	target, ok := c.blocks[txBlockHash]
	if !ok {
		return 0, false
	}
	headBlock, ok := c.blocks[head]
	if !ok {
		return 0, false
	}
	if headBlock.Number < target.Number {
		return 0, false
	}

	if _, ok := c.FindAncestor(head, func(b *models.Block) bool { return b.Hash == txBlockHash }); !ok {
		return 0, false
	}

	return headBlock.Number - target.Number + 1, true
}
