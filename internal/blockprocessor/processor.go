// Package blockprocessor turns a raw feed of chain heads into the
// walked, cache-populated NEW_HEAD events every downstream component
// consumes: fetch the head, walk backwards through parents until an
// ancestor already present in the cache is found, and only then emit,
// so nothing downstream ever sees a head whose ancestry isn't fully
// resident.
package blockprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"pisa/internal/blockcache"
	"pisa/internal/retry"
	"pisa/pkg/models"
)

// DefaultPollInterval mirrors the collector's stream poll interval:
// how often the processor checks for a new head when the block source
// is polling rather than subscribing.
const DefaultPollInterval = 15 * time.Second

// DefaultWaitBlocksBeforeRetrying is the default number of polls with
// no new head before the source counts as stalled. BlockProcessor
// itself does not count empty polls and raises no NoNewBlockError.
const DefaultWaitBlocksBeforeRetrying = 10

// BlockSource is the port the block processor pulls chain data
// through. Implementations may subscribe to head notifications, poll,
// or replay a canned sequence in tests.
type BlockSource interface {
	// LatestHash returns the current chain head's hash.
	LatestHash(ctx context.Context) (common.Hash, error)
	// GetBlock fetches full block data (including logs) for hash.
	GetBlock(ctx context.Context, hash common.Hash) (*models.Block, error)
}

// BlockProcessor walks a BlockSource's head, caches every fetched
// block, and emits a NEW_HEAD callback once the new head's ancestry is
// fully resolved back into the cache.
type BlockProcessor struct {
	source       BlockSource
	cache        *blockcache.BlockCache
	logger       *logrus.Logger
	retrier      *retry.Retrier
	pollInterval time.Duration

	onNewHead func(head *models.Block) error

	lastHead common.Hash
	seeded   bool
}

// NewBlockProcessor creates a processor pulling from source, caching
// into cache, invoking onNewHead for every resolved chain-tip change.
func NewBlockProcessor(source BlockSource, cache *blockcache.BlockCache, logger *logrus.Logger, onNewHead func(head *models.Block) error) *BlockProcessor {
	return &BlockProcessor{
		source:       source,
		cache:        cache,
		logger:       logger,
		retrier:      retry.NewRetrier(retry.NetworkRetryConfig, logger),
		pollInterval: DefaultPollInterval,
		onNewHead:    onNewHead,
	}
}

// SetPollInterval overrides the default poll interval, used when the
// configured newBlockTimeoutMs differs from the default.
func (p *BlockProcessor) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.pollInterval = d
	}
}

// Run polls the block source until ctx is cancelled, emitting a
// NEW_HEAD event for every chain-tip change it can walk back to a
// cached ancestor.
func (p *BlockProcessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	if err := p.poll(ctx); err != nil {
		p.logger.Warnf("初始拉取新区块头失败: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Errorf("处理新区块头失败: %v", err)
			}
		}
	}
}

// poll fetches the current head and, if it differs from the last
// processed head, resolves and emits it.
func (p *BlockProcessor) poll(ctx context.Context) error {
	var head common.Hash
	err := p.retrier.Execute(ctx, "fetch-latest-hash", func() error {
		var innerErr error
		head, innerErr = p.source.LatestHash(ctx)
		return innerErr
	})
	if err != nil {
		return fmt.Errorf("fetch latest hash: %w", err)
	}

	if p.seeded && head == p.lastHead {
		return nil
	}

	if err := p.processHead(ctx, head); err != nil {
		return err
	}

	p.lastHead = head
	p.seeded = true
	return nil
}

// processHead fetches and caches head, walking backwards through
// parent hashes as needed until an already-cached ancestor is
// reached, then invokes onNewHead with the resolved block.
func (p *BlockProcessor) processHead(ctx context.Context, head common.Hash) error {
	block, err := p.fetchAndCache(ctx, head)
	if err != nil {
		return err
	}

	for !p.cache.CanAddBlock(block) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		parent, err := p.fetchAndCache(ctx, block.ParentHash)
		if err != nil {
			return fmt.Errorf("walk back to parent %s: %w", block.ParentHash, err)
		}
		block = parent
	}

	resolvedHead, ok := p.cache.GetBlockStub(head)
	if !ok {
		return fmt.Errorf("resolved head %s missing from cache after walk-back", head)
	}

	if p.onNewHead != nil {
		return p.onNewHead(resolvedHead)
	}
	return nil
}

func (p *BlockProcessor) fetchAndCache(ctx context.Context, hash common.Hash) (*models.Block, error) {
	if cached, ok := p.cache.GetBlockStub(hash); ok {
		return cached, nil
	}

	var block *models.Block
	err := p.retrier.Execute(ctx, "fetch-block", func() error {
		var innerErr error
		block, innerErr = p.source.GetBlock(ctx, hash)
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch block %s: %w", hash, err)
	}

	p.cache.AddBlock(block)
	return block, nil
}
