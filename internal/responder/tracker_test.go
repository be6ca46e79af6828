package responder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

func h(b byte) common.Hash {
	var hh common.Hash
	hh[31] = b
	return hh
}

func txHash(b byte) common.Hash {
	var hh common.Hash
	hh[30] = b
	return hh
}

// watchableTx builds a Tx (and its TxId) consistent enough that
// tx.TxID() equals models.NewTxId with the same inputs, letting tests
// drive the tracker purely by TxId the way the responder does.
func watchableTx(hash common.Hash, to common.Address, nonce uint64) (*models.Tx, models.TxId) {
	tx := &models.Tx{
		Hash:     hash,
		To:       &to,
		Data:     []byte{0x01},
		Value:    big.NewInt(0),
		GasLimit: 100000,
		Nonce:    nonce,
		ChainID:  1,
	}
	return tx, tx.TxID()
}

func TestTrackerFiresOnMinedWhenHashAppears(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	logger := logrus.New()

	var mined []common.Hash
	var observedNonces []uint64
	tracker := NewTransactionTracker(cache, logger, func(id models.TxId, observedNonce uint64, tx common.Hash, block uint64) {
		mined = append(mined, tx)
		observedNonces = append(observedNonces, observedNonce)
	}, nil)

	tx, id := watchableTx(txHash(1), common.Address{0xAA}, 0)
	tracker.Watch(id)

	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	cache.AddBlock(b1)
	require.NoError(t, tracker.HandleNewHead(b1))
	assert.Empty(t, mined)

	b2 := &models.Block{
		Number: 2, Hash: h(2), ParentHash: h(1),
		Transactions: []*models.Tx{tx},
	}
	cache.AddBlock(b2)
	require.NoError(t, tracker.HandleNewHead(b2))

	require.Len(t, mined, 1)
	assert.Equal(t, txHash(1), mined[0])
	assert.Equal(t, []uint64{0}, observedNonces)
}

func TestTrackerIgnoresContractCreationTransactions(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	logger := logrus.New()

	var mined []models.TxId
	tracker := NewTransactionTracker(cache, logger, func(id models.TxId, observedNonce uint64, tx common.Hash, block uint64) {
		mined = append(mined, id)
	}, nil)

	_, id := watchableTx(txHash(1), common.Address{0xAA}, 0)
	tracker.Watch(id)

	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	cache.AddBlock(b1)
	require.NoError(t, tracker.HandleNewHead(b1))

	creation := &models.Tx{Hash: txHash(2), To: nil, Data: []byte{0x01}, Value: big.NewInt(0), ChainID: 1}
	b2 := &models.Block{Number: 2, Hash: h(2), ParentHash: h(1), Transactions: []*models.Tx{creation}}
	cache.AddBlock(b2)
	require.NoError(t, tracker.HandleNewHead(b2))

	assert.Empty(t, mined)
}

func TestTrackerFiresOnReorgedOutWhenMinedBlockDropsOffChain(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	logger := logrus.New()

	var reorged []models.TxId
	tx, id := watchableTx(txHash(1), common.Address{0xAA}, 0)

	tracker := NewTransactionTracker(cache, logger, nil, func(id models.TxId) {
		reorged = append(reorged, id)
	})
	tracker.Watch(id)

	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	cache.AddBlock(b1)
	require.NoError(t, tracker.HandleNewHead(b1))

	b2 := &models.Block{
		Number: 2, Hash: h(2), ParentHash: h(1),
		Transactions: []*models.Tx{tx},
	}
	cache.AddBlock(b2)
	require.NoError(t, tracker.HandleNewHead(b2))
	assert.Empty(t, reorged)

	// competing chain reorgs block 2 out entirely.
	b2alt := &models.Block{Number: 2, Hash: h(20), ParentHash: h(1)}
	cache.AddBlock(b2alt)
	b3alt := &models.Block{Number: 3, Hash: h(30), ParentHash: h(20)}
	cache.AddBlock(b3alt)
	require.NoError(t, tracker.HandleNewHead(b3alt))

	require.Len(t, reorged, 1)
	assert.Equal(t, id, reorged[0])
}
