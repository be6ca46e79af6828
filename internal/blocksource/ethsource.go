// Package blocksource implements blockprocessor.BlockSource against a
// live Ethereum node, using the shared connection pool and retry
// policy the rest of PISA's chain-facing components share.
package blocksource

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"pisa/internal/connection"
	"pisa/internal/retry"
	"pisa/pkg/models"
)

func ethereumFilterQuery(blockHash common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{BlockHash: &blockHash}
}

// EthSource fetches heads and full blocks (with receipt logs folded
// in) from whichever node the connection pool currently favours.
type EthSource struct {
	pool    *connection.ConnectionPool
	retrier *retry.Retrier
	logger  *logrus.Logger
	chainID uint64
}

// NewEthSource builds an EthSource for chainID, used to derive tx
// senders when converting go-ethereum blocks into the internal model.
func NewEthSource(pool *connection.ConnectionPool, chainID uint64, logger *logrus.Logger) *EthSource {
	return &EthSource{
		pool:    pool,
		retrier: retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:  logger,
		chainID: chainID,
	}
}

// LatestHash implements blockprocessor.BlockSource.
func (s *EthSource) LatestHash(ctx context.Context) (common.Hash, error) {
	var hash common.Hash
	err := s.retrier.Execute(ctx, "blocksource.LatestHash", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		header, err := wrapper.Client().HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		hash = header.Hash()
		return nil
	})
	return hash, err
}

// GetBlock implements blockprocessor.BlockSource, fetching the full
// block plus every log emitted within it.
func (s *EthSource) GetBlock(ctx context.Context, hash common.Hash) (*models.Block, error) {
	var ethBlock *types.Block
	err := s.retrier.Execute(ctx, "blocksource.GetBlock", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		b, err := wrapper.Client().BlockByHash(ctx, hash)
		if err != nil {
			return err
		}
		ethBlock = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch block %s: %w", hash, err)
	}

	logs, err := s.getLogs(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch logs for block %s: %w", hash, err)
	}

	block := &models.Block{}
	block.FromEthereumBlock(ethBlock, s.chainID, logs)
	return block, nil
}

func (s *EthSource) getLogs(ctx context.Context, hash common.Hash) ([]*types.Log, error) {
	var logs []types.Log
	err := s.retrier.Execute(ctx, "blocksource.FilterLogs", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		l, err := wrapper.Client().FilterLogs(ctx, ethereumFilterQuery(hash))
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.Log, len(logs))
	for i := range logs {
		out[i] = &logs[i]
	}
	return out, nil
}
