package component

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

// heightSumReducer accumulates block numbers, a minimal reducer used
// to exercise the fold-from-common-ancestor path.
type heightSumReducer struct{}

func (heightSumReducer) GetInitialState(block *models.Block) uint64 { return 0 }
func (heightSumReducer) Reduce(prev uint64, block *models.Block) uint64 {
	return prev + block.Number
}

func h(b byte) common.Hash {
	var hh common.Hash
	hh[31] = b
	return hh
}

func blk(number uint64, self, parent byte) *models.Block {
	return &models.Block{Number: number, Hash: h(self), ParentHash: h(parent)}
}

func TestComponentSeedsOnFirstHead(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	b1 := blk(1, 1, 0)
	cache.AddBlock(b1)

	c := New[uint64]("test", cache, heightSumReducer{}, nil)
	require.NoError(t, c.HandleNewHead(b1))
	assert.EqualValues(t, 0, c.State())
}

func TestComponentFoldsSimpleExtension(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	b1 := blk(1, 1, 0)
	b2 := blk(2, 2, 1)
	cache.AddBlock(b1)
	cache.AddBlock(b2)

	var seen []uint64
	c := New[uint64]("test", cache, heightSumReducer{}, func(prev, next uint64, head *models.Block) {
		seen = append(seen, prev, next)
	})

	require.NoError(t, c.HandleNewHead(b1))
	require.NoError(t, c.HandleNewHead(b2))

	assert.EqualValues(t, 2, c.State())
	assert.Equal(t, []uint64{0, 2}, seen)
}

func TestComponentRecomputesAcrossReorg(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	b1 := blk(1, 1, 0)
	b2 := blk(2, 2, 1)
	b2Fork := blk(2, 4, 1)
	b3Fork := blk(3, 5, 4)
	cache.AddBlock(b1)
	cache.AddBlock(b2)
	cache.AddBlock(b2Fork)
	cache.AddBlock(b3Fork)

	c := New[uint64]("test", cache, heightSumReducer{}, nil)
	require.NoError(t, c.HandleNewHead(b1))
	require.NoError(t, c.HandleNewHead(b2))
	require.NoError(t, c.HandleNewHead(b3Fork))

	// Recomputed from ancestor b1, not incrementally from b2: 2 + 3 = 5.
	assert.EqualValues(t, 5, c.State())
}
