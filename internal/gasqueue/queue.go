// Package gasqueue implements the position-based priority queue the
// multi-responder uses to keep every pending broadcast's nonce and gas
// price mutually consistent. Items are ordered by currentGas
// descending; a queue's nonce column is derived purely from position
// (index 0 gets initialNonce, index 1 gets initialNonce+1, ...) and is
// re-stamped on every recomputation rather than stored independently.
// Every operation returns a new queue rather than mutating in place.
package gasqueue

import (
	"math/big"
	"sort"

	"pisa/pkg/models"
)

// DefaultReplacementRatePct is the minimum percentage bump go-ethereum
// style mempools require to accept a same-nonce replacement.
const DefaultReplacementRatePct = 10

// Queue is an immutable-by-convention snapshot of pending broadcasts,
// ordered by currentGas descending with nonces assigned by position.
type Queue struct {
	initialNonce       uint64
	maxDepth           int
	replacementRatePct int
	items              []*models.GasQueueItem
}

// New creates an empty queue. The first item added takes initialNonce;
// every subsequent position takes the next nonce up. maxDepth bounds
// the queue's size; replacementRatePct is the minimum percentage a
// displaced item's gas must be bumped by over its own prior price.
func New(initialNonce uint64, maxDepth, replacementRatePct int) *Queue {
	if replacementRatePct <= 0 {
		replacementRatePct = DefaultReplacementRatePct
	}
	return &Queue{initialNonce: initialNonce, maxDepth: maxDepth, replacementRatePct: replacementRatePct}
}

// DepthReached reports whether the queue is at its configured maximum
// size; the caller should refuse new appointments rather than exceed
// it, per the fixed-capacity invariant.
func (q *Queue) DepthReached() bool {
	return q.maxDepth > 0 && len(q.items) >= q.maxDepth
}

// Contains reports whether an item with the given TxId is already
// queued, regardless of its current position or gas price.
func (q *Queue) Contains(id models.TxId) bool {
	for _, item := range q.items {
		if item.Identifier == id {
			return true
		}
	}
	return false
}

// Add inserts req at the position dictated by its IdealGas (highest
// gas first) and returns the new queue. req itself is a brand-new
// broadcast and keeps its ideal gas untouched; every pre-existing item
// the insertion pushes to a higher index is "displaced" and has its
// own currentGas (from before this Add, not whatever now precedes it)
// raised to at least priorGas * (1 + replacementRatePct/100), rounded
// up, so a repeatedly-deprioritized item keeps escalating its own
// price rather than converging on its neighbor's. Nonces are then
// re-stamped by position.
func (q *Queue) Add(req *models.GasQueueItemRequest) *Queue {
	next := q.clone()

	inserted := &models.GasQueueItem{
		AppointmentID: req.AppointmentID,
		Identifier:    req.Identifier,
		CurrentGas:    new(big.Int).Set(req.IdealGas),
		Data:          append([]byte(nil), req.Data...),
		To:            req.To,
		Value:         req.Value,
		GasLimit:      req.GasLimit,
	}

	pos := sort.Search(len(next.items), func(i int) bool {
		return next.items[i].CurrentGas.Cmp(inserted.CurrentGas) <= 0
	})
	displaced := next.items[pos:]

	items := make([]*models.GasQueueItem, 0, len(next.items)+1)
	items = append(items, next.items[:pos]...)
	items = append(items, inserted)
	items = append(items, displaced...)
	next.items = items

	for _, item := range displaced {
		item.CurrentGas = q.bumpFloor(item.CurrentGas)
		item.BumpCount++
	}

	next.restampNonces()
	return next
}

// Dequeue returns a new queue with the front (lowest-nonce, index 0)
// item removed, used once the responder confirms it has been mined.
// Removing an item only promotes the rest to lower nonces; since they
// were already gas-ordered behind each other, no gas bump is needed.
func (q *Queue) Dequeue() (*Queue, *models.GasQueueItem) {
	if len(q.items) == 0 {
		return q, nil
	}
	next := q.clone()
	head := next.items[0].Clone()
	next.items = next.items[1:]
	next.restampNonces()
	return next, head
}

// Consume removes the item with TxId id from its position k and moves
// every item after it down by one nonce, used when a tracked broadcast
// is mined while other items still sit ahead of it in the queue.
// Like Dequeue, this only promotes items and never needs a gas bump.
func (q *Queue) Consume(id models.TxId) (*Queue, *models.GasQueueItem) {
	for i, item := range q.items {
		if item.Identifier == id {
			next := q.clone()
			removed := next.items[i].Clone()
			next.items = append(next.items[:i], next.items[i+1:]...)
			next.restampNonces()
			return next, removed
		}
	}
	return q, nil
}

// Items returns a snapshot of every queued item, nonce-ascending
// (equivalently, currentGas-descending).
func (q *Queue) Items() []*models.GasQueueItem {
	out := make([]*models.GasQueueItem, len(q.items))
	for i, item := range q.items {
		out[i] = item.Clone()
	}
	return out
}

// Len reports how many items are queued.
func (q *Queue) Len() int { return len(q.items) }

// Difference returns every item in q whose (nonce, currentGas) differs
// from its counterpart in prev, identified by TxId — an item that
// wasn't in prev at all counts as different too. This is the set the
// responder actually needs to re-broadcast after a mutation: a
// position further down the queue whose nonce and gas are unchanged
// was never displaced, so resending it would just repeat an
// already-valid broadcast.
func (q *Queue) Difference(prev *Queue) []*models.GasQueueItem {
	var before map[models.TxId]*models.GasQueueItem
	if prev != nil {
		before = make(map[models.TxId]*models.GasQueueItem, len(prev.items))
		for _, item := range prev.items {
			before[item.Identifier] = item
		}
	}

	var diff []*models.GasQueueItem
	for _, item := range q.items {
		old, ok := before[item.Identifier]
		if !ok || old.Nonce != item.Nonce || old.CurrentGas.Cmp(item.CurrentGas) != 0 {
			diff = append(diff, item.Clone())
		}
	}
	return diff
}

// restampNonces re-derives the whole nonce column from position, the
// only source of truth for an item's nonce.
func (q *Queue) restampNonces() {
	for i, item := range q.items {
		if i == 0 {
			item.Nonce = q.initialNonce
		} else {
			item.Nonce = q.items[i-1].Nonce + 1
		}
	}
}

// bumpFloor computes the minimum acceptable gas price for an item
// being displaced from priorGas, honoring the configured replacement
// rate and rounding up.
func (q *Queue) bumpFloor(priorGas *big.Int) *big.Int {
	bump := new(big.Int).Mul(priorGas, big.NewInt(int64(100+q.replacementRatePct)))
	bump.Add(bump, big.NewInt(99))
	bump.Div(bump, big.NewInt(100))
	if bump.Cmp(priorGas) <= 0 {
		bump = new(big.Int).Add(priorGas, big.NewInt(1))
	}
	return bump
}

func (q *Queue) clone() *Queue {
	items := make([]*models.GasQueueItem, len(q.items))
	for i, item := range q.items {
		items[i] = item.Clone()
	}
	return &Queue{
		initialNonce:       q.initialNonce,
		maxDepth:           q.maxDepth,
		replacementRatePct: q.replacementRatePct,
		items:              items,
	}
}
