package blockprocessor

import (
	"context"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

type fakeSource struct {
	blocks map[common.Hash]*models.Block
	head   common.Hash
}

func (f *fakeSource) LatestHash(ctx context.Context) (common.Hash, error) {
	return f.head, nil
}

func (f *fakeSource) GetBlock(ctx context.Context, hash common.Hash) (*models.Block, error) {
	b, ok := f.blocks[hash]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func h(b byte) common.Hash {
	var hh common.Hash
	hh[31] = b
	return hh
}

func TestProcessorWalksBackToCachedAncestor(t *testing.T) {
	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	b2 := &models.Block{Number: 2, Hash: h(2), ParentHash: h(1)}
	b3 := &models.Block{Number: 3, Hash: h(3), ParentHash: h(2)}

	source := &fakeSource{
		blocks: map[common.Hash]*models.Block{h(1): b1, h(2): b2, h(3): b3},
		head:   h(3),
	}

	cache := blockcache.NewBlockCache(10)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var emitted []*models.Block
	p := NewBlockProcessor(source, cache, logger, func(head *models.Block) error {
		emitted = append(emitted, head)
		return nil
	})

	require.NoError(t, p.poll(context.Background()))

	require.Len(t, emitted, 1)
	assert.Equal(t, h(3), emitted[0].Hash)

	// all ancestors should now be cached, having been walked back through
	_, ok := cache.GetBlockStub(h(1))
	assert.True(t, ok)
	_, ok = cache.GetBlockStub(h(2))
	assert.True(t, ok)
}

func TestProcessorSkipsUnchangedHead(t *testing.T) {
	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	source := &fakeSource{
		blocks: map[common.Hash]*models.Block{h(1): b1},
		head:   h(1),
	}

	cache := blockcache.NewBlockCache(10)
	logger := logrus.New()

	calls := 0
	p := NewBlockProcessor(source, cache, logger, func(head *models.Block) error {
		calls++
		return nil
	})

	require.NoError(t, p.poll(context.Background()))
	require.NoError(t, p.poll(context.Background()))

	assert.Equal(t, 1, calls)
}
