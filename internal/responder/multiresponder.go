// Package responder turns a watcher's Respond edge action into an
// actual on-chain broadcast, tracks every response's inclusion, and
// re-broadcasts with a bumped gas price any queued response that a
// newly inserted, higher-priced response displaces.
package responder

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	pisaerrors "pisa/internal/errors"
	"pisa/internal/gasqueue"
	"pisa/pkg/models"
)

// Signer is the port MultiResponder uses to actually sign and
// broadcast a transaction; internal/signer.EthSigner implements it
// against a live node.
type Signer interface {
	Address() common.Address
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, to *common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, nonce uint64, data []byte) (common.Hash, error)
}

// EventPublisher is the port the responder uses to announce broadcast
// and mined transitions for observability.
type EventPublisher interface {
	PublishAppointmentEvent(evt *models.AppointmentEvent) error
}

// pendingResponse is the bookkeeping MultiResponder keeps per queued
// broadcast, beyond what GasQueueItem itself carries.
type pendingResponse struct {
	appointmentID string
}

// MultiResponder owns the single nonce-ordered gas queue backing every
// in-flight response and drives broadcasts against a Signer. Its state
// (a strict nonce ordering shared across every pending item) has
// cross-item dependencies the per-key MappedStateReducer model can't
// express, so unlike Watcher it is not built on component.Component;
// it instead reacts imperatively to TransactionTracker callbacks, the
// same way GasQueue itself favours plain immutable-snapshot updates
// over a generic reducer fold.
type MultiResponder struct {
	mu        sync.Mutex
	signer    Signer
	tracker   *TransactionTracker
	publisher EventPublisher
	logger    *logrus.Logger
	errors    *pisaerrors.ErrorHandler

	queue   *gasqueue.Queue
	pending map[models.TxId]*pendingResponse
	chainID uint64
}

// New builds a MultiResponder with an empty gas queue seeded at
// initialNonce, bounded to maxQueueDepth entries and bumping
// replacements by replacementRatePct percent.
func New(
	signer Signer,
	tracker *TransactionTracker,
	publisher EventPublisher,
	logger *logrus.Logger,
	chainID uint64,
	initialNonce uint64,
	maxQueueDepth, replacementRatePct int,
) *MultiResponder {
	return &MultiResponder{
		signer:    signer,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger,
		errors:    pisaerrors.NewErrorHandler(logger),
		queue:     gasqueue.New(initialNonce, maxQueueDepth, replacementRatePct),
		pending:   make(map[models.TxId]*pendingResponse),
		chainID:   chainID,
	}
}

// StartResponse implements watcher.ResponseSubmitter: it encodes the
// appointment's response calldata, inserts it into the gas queue, and
// broadcasts only the items the insertion actually displaced (per
// Queue.Difference), never the whole queue.
func (r *MultiResponder) StartResponse(appointmentID string, response *models.ResponseData) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := response.Encode()
	if err != nil {
		return fmt.Errorf("appointment %s: encode response: %w", appointmentID, err)
	}

	to := response.ContractAddress
	id := models.NewTxId(r.chainID, data, &to, big.NewInt(0), response.GasLimit)

	if r.queue.Contains(id) {
		return nil
	}
	if r.queue.DepthReached() {
		return fmt.Errorf("appointment %s: %w", appointmentID, errQueueFull)
	}

	idealGas, err := r.signer.SuggestGasPrice(context.Background())
	if err != nil {
		return fmt.Errorf("appointment %s: suggest gas price: %w", appointmentID, err)
	}

	prevQueue := r.queue
	newQueue := r.queue.Add(&models.GasQueueItemRequest{
		AppointmentID: appointmentID,
		Identifier:    id,
		IdealGas:      idealGas,
		Data:          data,
		To:            &to,
		Value:         big.NewInt(0),
		GasLimit:      response.GasLimit,
	})
	replaced := newQueue.Difference(prevQueue)
	r.queue = newQueue
	r.pending[id] = &pendingResponse{appointmentID: appointmentID}
	r.tracker.Watch(id)

	return r.broadcast(replaced)
}

// broadcast (re)sends every item in items, which the caller has
// already narrowed to whatever a mutation actually displaced. The
// caller must hold r.mu.
func (r *MultiResponder) broadcast(items []*models.GasQueueItem) error {
	for _, item := range items {
		pending, ok := r.pending[item.Identifier]
		if !ok {
			continue
		}

		txHash, err := r.signer.SendTransaction(context.Background(), item.To, item.Value, item.GasLimit, item.CurrentGas, item.Nonce, item.Data)
		if err != nil {
			r.logger.Errorf("appointment %s: broadcast failed: %v", pending.appointmentID, err)
			continue
		}

		if r.publisher != nil {
			_ = r.publisher.PublishAppointmentEvent(&models.AppointmentEvent{
				Type:          models.EventBroadcast,
				AppointmentID: pending.appointmentID,
				TxHash:        txHash.Hex(),
				Message:       "response broadcast",
			})
		}
	}
	return nil
}

// TxMined is the TransactionTracker onMined callback, implementing
// spec's txMined(id, observedNonce) algorithm: an unknown id, an empty
// queue, or an observed nonce that doesn't match id's own queued
// position all indicate the queue and the chain have diverged and
// raise a QueueConsistencyError rather than silently pressing on. Only
// once id is confirmed to be exactly where the queue thinks it is does
// TxMined dequeue (id was the front item) or consume-and-rebroadcast
// the difference (id was buried behind other items, so consuming it
// shifted their nonces down).
func (r *MultiResponder) TxMined(id models.TxId, observedNonce uint64, txHash common.Hash, blockNumber uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.pending[id]
	if !ok {
		return r.surfaceQueueConsistencyError(fmt.Sprintf("txMined for untracked TxId %+v", id))
	}

	items := r.queue.Items()
	if len(items) == 0 {
		return r.surfaceQueueConsistencyError("txMined delivered against an empty gas queue")
	}

	var item *models.GasQueueItem
	atFront := false
	for i, it := range items {
		if it.Identifier == id {
			item = it
			atFront = i == 0
			break
		}
	}
	if item == nil {
		return r.surfaceQueueConsistencyError(fmt.Sprintf("txMined for TxId %+v not present in gas queue", id))
	}
	if item.Nonce != observedNonce {
		return r.surfaceQueueConsistencyError(fmt.Sprintf(
			"txMined observed nonce %d for %+v does not match queued nonce %d", observedNonce, id, item.Nonce))
	}

	delete(r.pending, id)

	var toBroadcast []*models.GasQueueItem
	if atFront {
		next, _ := r.queue.Dequeue()
		r.queue = next
	} else {
		prevQueue := r.queue
		next, _ := r.queue.Consume(id)
		r.queue = next
		toBroadcast = next.Difference(prevQueue)
	}

	if r.publisher != nil {
		_ = r.publisher.PublishAppointmentEvent(&models.AppointmentEvent{
			Type:          models.EventMined,
			AppointmentID: pending.appointmentID,
			BlockNumber:   blockNumber,
			TxHash:        txHash.Hex(),
			Message:       "response transaction mined",
		})
	}

	if len(toBroadcast) > 0 {
		if err := r.broadcast(toBroadcast); err != nil {
			r.logger.Errorf("broadcast after out-of-order mine for %+v: %v", id, err)
		}
	}
	return nil
}

// surfaceQueueConsistencyError builds a QueueConsistencyError and runs
// it through the shared error handler, whose SurfaceStrategy for this
// error type never retries or swallows it — the caller still gets it
// back so it shows up in tests and logs rather than being silently
// recovered from.
func (r *MultiResponder) surfaceQueueConsistencyError(msg string) error {
	err := pisaerrors.NewPisaError(
		pisaerrors.ErrorTypeQueueConsistency, pisaerrors.SeverityCritical,
		"QUEUE_CONSISTENCY", msg,
	).WithContext("component", "responder")
	return r.errors.HandleError(context.Background(), err)
}

// TxReorgedOut is the TransactionTracker onReorgedOut callback: the
// item is still tracked in the gas queue (it was never dequeued until
// TxMined fires), so all that's needed is to broadcast it again.
func (r *MultiResponder) TxReorgedOut(id models.TxId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return
	}
	for _, item := range r.queue.Items() {
		if item.Identifier == id {
			if err := r.broadcast([]*models.GasQueueItem{item}); err != nil {
				r.logger.Errorf("broadcast after reorg for %+v: %v", id, err)
			}
			return
		}
	}
}

// QueueDepth reports how many responses are currently pending.
func (r *MultiResponder) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}
