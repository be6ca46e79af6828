package responder

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

// minedRecord records where a tracked TxId was last seen included, so
// the tracker can tell a mined transaction reorged back out of the
// canonical chain from one still safely buried under it.
type minedRecord struct {
	txHash      common.Hash
	blockHash   common.Hash
	blockNumber uint64
}

// TransactionTracker watches every new chain head for the TxIds the
// multi-responder is currently waiting on, firing onMined in the order
// those TxIds actually appear on-chain, and firing onReorgedOut if a
// head change drops a previously mined TxId's block off the canonical
// chain. Matching is by TxId, not by the hash of whichever broadcast
// we last sent: a customer's own transaction (or a replacement whose
// hash we never even see) satisfies the same TxId and counts as
// delivery just the same.
type TransactionTracker struct {
	cache  *blockcache.BlockCache
	logger *logrus.Logger

	onMined      func(id models.TxId, observedNonce uint64, txHash common.Hash, blockNumber uint64)
	onReorgedOut func(id models.TxId)

	// watching holds every TxId currently awaited.
	watching map[models.TxId]bool
	// mined records confirmed inclusions still being tracked in case a
	// deeper reorg later un-mines them.
	mined map[models.TxId]minedRecord

	seeded   bool
	headHash common.Hash
}

// NewTransactionTracker builds a tracker bound to cache. onMined fires
// once per TxId the first time a transaction carrying it is observed
// included, passing along the nonce that transaction actually used;
// onReorgedOut fires if a previously mined TxId's block is no longer
// an ancestor of the new head.
func NewTransactionTracker(
	cache *blockcache.BlockCache,
	logger *logrus.Logger,
	onMined func(id models.TxId, observedNonce uint64, txHash common.Hash, blockNumber uint64),
	onReorgedOut func(id models.TxId),
) *TransactionTracker {
	return &TransactionTracker{
		cache:        cache,
		logger:       logger,
		onMined:      onMined,
		onReorgedOut: onReorgedOut,
		watching:     make(map[models.TxId]bool),
		mined:        make(map[models.TxId]minedRecord),
	}
}

// Watch registers id to be observed. TxId is stable across gas-price
// replacements, so a single Watch call covers every broadcast attempt
// for the same appointment response; there is no per-broadcast hash to
// re-register.
func (t *TransactionTracker) Watch(id models.TxId) {
	t.watching[id] = true
}

// Forget stops tracking id without firing any callback, used when the
// multi-responder abandons a broadcast before it was ever mined.
func (t *TransactionTracker) Forget(id models.TxId) {
	delete(t.watching, id)
}

// HandleNewHead scans every block introduced since the last processed
// head for watched TxIds, and checks previously mined TxIds against
// the new head's ancestry to catch reorgs deep enough to un-mine them.
func (t *TransactionTracker) HandleNewHead(head *models.Block) error {
	if !t.seeded {
		t.headHash = head.Hash
		t.seeded = true
		return nil
	}

	_, path, err := t.cache.PathFromCommonAncestor(t.headHash, head.Hash)
	if err != nil {
		return err
	}
	t.headHash = head.Hash

	t.reconcileReorg(head.Hash)

	for _, block := range path {
		for _, tx := range block.Transactions {
			if tx.To == nil {
				continue
			}
			id := tx.TxID()
			if !t.watching[id] {
				continue
			}
			delete(t.watching, id)
			t.mined[id] = minedRecord{txHash: tx.Hash, blockHash: block.Hash, blockNumber: block.Number}
			if t.onMined != nil {
				t.onMined(id, tx.Nonce, tx.Hash, block.Number)
			}
		}
	}
	return nil
}

// reconcileReorg drops every mined record whose block is no longer an
// ancestor of head, since that means either the reorg erased it or it
// fell outside the cache's retained window; either way the responder
// must treat it as unconfirmed again and re-broadcast.
func (t *TransactionTracker) reconcileReorg(head common.Hash) {
	for id, m := range t.mined {
		if _, ok := t.cache.GetConfirmations(head, m.blockHash); ok {
			continue
		}
		delete(t.mined, id)
		t.watching[id] = true
		t.logger.Warnf("tracked tx %s for %+v no longer on canonical chain, re-watching", m.txHash.Hex(), id)
		if t.onReorgedOut != nil {
			t.onReorgedOut(id)
		}
	}
}
