package blockcache

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/pkg/models"
)

func hash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func block(number uint64, self, parent byte) *models.Block {
	return &models.Block{
		Number:     number,
		Hash:       hash(self),
		ParentHash: hash(parent),
	}
}

func TestAddBlockAndLookup(t *testing.T) {
	c := NewBlockCache(10)
	b1 := block(1, 1, 0)
	c.AddBlock(b1)

	got, ok := c.GetBlockStub(hash(1))
	require.True(t, ok)
	assert.Equal(t, b1, got)
	assert.EqualValues(t, 1, c.MinHeight())
	assert.EqualValues(t, 1, c.MaxHeight())
}

func TestEvictionBeyondMaxDepth(t *testing.T) {
	c := NewBlockCache(3)
	for i := uint64(1); i <= 6; i++ {
		c.AddBlock(block(i, byte(i), byte(i-1)))
	}

	// maxDepth=3 with max height 6 retains heights 3,4,5,6 (maxDepth+1
	// heights, per spec.md §4.1's "evicts blocks with number < maxHeight
	// - maxDepth").
	assert.EqualValues(t, 3, c.MinHeight())
	_, ok := c.GetBlockStub(hash(1))
	assert.False(t, ok)
	_, ok = c.GetBlockStub(hash(2))
	assert.False(t, ok)
	_, ok = c.GetBlockStub(hash(3))
	assert.True(t, ok)
	_, ok = c.GetBlockStub(hash(6))
	assert.True(t, ok)
}

func TestCanAddBlockRequiresKnownParent(t *testing.T) {
	c := NewBlockCache(10)
	assert.True(t, c.CanAddBlock(block(1, 1, 0)))
	c.AddBlock(block(1, 1, 0))

	assert.True(t, c.CanAddBlock(block(2, 2, 1)))
	assert.False(t, c.CanAddBlock(block(2, 2, 99)))
}

func TestMultipleForksCoexist(t *testing.T) {
	c := NewBlockCache(10)
	c.AddBlock(block(1, 1, 0))
	c.AddBlock(block(2, 2, 1))
	// competing fork at height 2
	c.AddBlock(block(2, 3, 1))

	_, ok := c.GetBlockStub(hash(2))
	assert.True(t, ok)
	_, ok = c.GetBlockStub(hash(3))
	assert.True(t, ok)
}

func TestPathFromCommonAncestorSimpleExtension(t *testing.T) {
	c := NewBlockCache(10)
	c.AddBlock(block(1, 1, 0))
	c.AddBlock(block(2, 2, 1))
	c.AddBlock(block(3, 3, 2))

	ancestor, path, err := c.PathFromCommonAncestor(hash(1), hash(3))
	require.NoError(t, err)
	assert.Equal(t, hash(1), ancestor.Hash)
	require.Len(t, path, 2)
	assert.Equal(t, hash(2), path[0].Hash)
	assert.Equal(t, hash(3), path[1].Hash)
}

func TestPathFromCommonAncestorReorg(t *testing.T) {
	c := NewBlockCache(10)
	c.AddBlock(block(1, 1, 0))
	c.AddBlock(block(2, 2, 1))
	// fork at height 2 replaces block 2 with block 4
	c.AddBlock(block(2, 4, 1))
	c.AddBlock(block(3, 5, 4))

	ancestor, path, err := c.PathFromCommonAncestor(hash(2), hash(5))
	require.NoError(t, err)
	assert.Equal(t, hash(1), ancestor.Hash)
	require.Len(t, path, 2)
	assert.Equal(t, hash(4), path[0].Hash)
	assert.Equal(t, hash(5), path[1].Hash)
}

func TestPathFromCommonAncestorNoneFound(t *testing.T) {
	c := NewBlockCache(10)
	c.AddBlock(block(1, 1, 0))
	c.AddBlock(block(1, 2, 99))

	_, _, err := c.PathFromCommonAncestor(hash(1), hash(2))
	assert.ErrorIs(t, err, ErrNoCommonAncestor)
}

func TestGetConfirmations(t *testing.T) {
	c := NewBlockCache(10)
	c.AddBlock(block(1, 1, 0))
	c.AddBlock(block(2, 2, 1))
	c.AddBlock(block(3, 3, 2))

	confs, ok := c.GetConfirmations(hash(3), hash(1))
	require.True(t, ok)
	assert.EqualValues(t, 3, confs)

	confs, ok = c.GetConfirmations(hash(3), hash(3))
	require.True(t, ok)
	assert.EqualValues(t, 1, confs)

	_, ok = c.GetConfirmations(hash(3), hash(99))
	assert.False(t, ok)
}
