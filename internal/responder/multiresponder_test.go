package responder

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

type fakeSigner struct {
	address  common.Address
	gasPrice *big.Int
	sent     []common.Hash
	nextHash byte
}

func (f *fakeSigner) Address() common.Address { return f.address }

func (f *fakeSigner) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeSigner) SendTransaction(ctx context.Context, to *common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, nonce uint64, data []byte) (common.Hash, error) {
	f.nextHash++
	hash := txHash(f.nextHash)
	f.sent = append(f.sent, hash)
	return hash, nil
}

type fakeRespPublisher struct {
	events []*models.AppointmentEvent
}

func (f *fakeRespPublisher) PublishAppointmentEvent(evt *models.AppointmentEvent) error {
	f.events = append(f.events, evt)
	return nil
}

func newTestResponder(t *testing.T) (*MultiResponder, *fakeSigner, *fakeRespPublisher, *TransactionTracker) {
	cache := blockcache.NewBlockCache(10)
	logger := logrus.New()
	signer := &fakeSigner{gasPrice: big.NewInt(100)}
	publisher := &fakeRespPublisher{}

	var mr *MultiResponder
	tracker := NewTransactionTracker(cache, logger,
		func(id models.TxId, observedNonce uint64, tx common.Hash, block uint64) {
			_ = mr.TxMined(id, observedNonce, tx, block)
		},
		func(id models.TxId) { mr.TxReorgedOut(id) },
	)
	mr = New(signer, tracker, publisher, logger, 1, 0, 10, 10)

	return mr, signer, publisher, tracker
}

func TestStartResponseBroadcastsAndTracks(t *testing.T) {
	mr, signer, publisher, _ := newTestResponder(t)

	response := &models.ResponseData{
		ContractAddress: common.HexToAddress("0xaaa"),
		ContractABI:     `[{"type":"function","name":"claim","inputs":[]}]`,
		FunctionName:    "claim",
	}

	err := mr.StartResponse("appt-1", response)
	require.NoError(t, err)

	require.Len(t, signer.sent, 1)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, models.EventBroadcast, publisher.events[0].Type)
	assert.Equal(t, 1, mr.QueueDepth())
}

func TestStartResponseIsIdempotentForSameAppointment(t *testing.T) {
	mr, signer, _, _ := newTestResponder(t)

	response := &models.ResponseData{
		ContractAddress: common.HexToAddress("0xaaa"),
		ContractABI:     `[{"type":"function","name":"claim","inputs":[]}]`,
		FunctionName:    "claim",
	}

	require.NoError(t, mr.StartResponse("appt-1", response))
	require.NoError(t, mr.StartResponse("appt-1", response))

	assert.Len(t, signer.sent, 1)
	assert.Equal(t, 1, mr.QueueDepth())
}

func TestTxMinedDequeuesAndPublishes(t *testing.T) {
	mr, signer, publisher, tracker := newTestResponder(t)

	response := &models.ResponseData{
		ContractAddress: common.HexToAddress("0xaaa"),
		ContractABI:     `[{"type":"function","name":"claim","inputs":[]}]`,
		FunctionName:    "claim",
	}
	require.NoError(t, mr.StartResponse("appt-1", response))
	require.Equal(t, 1, mr.QueueDepth())

	broadcastHash := signer.sent[0]
	data, err := response.Encode()
	require.NoError(t, err)
	to := response.ContractAddress
	minedTx := &models.Tx{
		Hash:     broadcastHash,
		To:       &to,
		Data:     data,
		Value:    big.NewInt(0),
		GasLimit: response.GasLimit,
		Nonce:    0,
		ChainID:  1,
	}

	cache := tracker.cache
	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	cache.AddBlock(b1)
	require.NoError(t, tracker.HandleNewHead(b1))

	b2 := &models.Block{
		Number: 2, Hash: h(2), ParentHash: h(1),
		Transactions: []*models.Tx{minedTx},
	}
	cache.AddBlock(b2)
	require.NoError(t, tracker.HandleNewHead(b2))

	assert.Equal(t, 0, mr.QueueDepth())

	var minedEvents int
	for _, evt := range publisher.events {
		if evt.Type == models.EventMined {
			minedEvents++
		}
	}
	assert.Equal(t, 1, minedEvents)
}

func TestTxMinedRejectsUnknownTxId(t *testing.T) {
	mr, _, _, _ := newTestResponder(t)

	unknown := models.NewTxId(1, []byte{0xff}, nil, big.NewInt(0), 0)
	err := mr.TxMined(unknown, 0, txHash(9), 1)

	require.Error(t, err)
	assert.Equal(t, 0, mr.QueueDepth())
}

func TestTxMinedRejectsMismatchedObservedNonce(t *testing.T) {
	mr, _, _, _ := newTestResponder(t)

	response := &models.ResponseData{
		ContractAddress: common.HexToAddress("0xaaa"),
		ContractABI:     `[{"type":"function","name":"claim","inputs":[]}]`,
		FunctionName:    "claim",
	}
	require.NoError(t, mr.StartResponse("appt-1", response))

	data, err := response.Encode()
	require.NoError(t, err)
	to := response.ContractAddress
	id := models.NewTxId(1, data, &to, big.NewInt(0), response.GasLimit)

	// The queue put this appointment's response at nonce 0 since it's the
	// only pending item; claiming it observed nonce 99 signals the chain
	// and queue have diverged.
	err = mr.TxMined(id, 99, txHash(9), 1)

	require.Error(t, err)
	assert.Equal(t, 1, mr.QueueDepth())
}

func TestTxMinedOutOfOrderConsumesAndRebroadcastsOnlyTheDisplaced(t *testing.T) {
	mr, signer, _, _ := newTestResponder(t)

	respFor := func(name string) *models.ResponseData {
		return &models.ResponseData{
			ContractAddress: common.HexToAddress("0xaaa"),
			ContractABI:     `[{"type":"function","name":"` + name + `","inputs":[]}]`,
			FunctionName:    name,
		}
	}

	// Three appointments queued at strictly descending gas so each lands
	// behind the last: A (nonce 0, front), B (nonce 1), C (nonce 2).
	signer.gasPrice = big.NewInt(100)
	respA := respFor("claim")
	require.NoError(t, mr.StartResponse("appt-a", respA))

	signer.gasPrice = big.NewInt(90)
	respB := respFor("settle")
	require.NoError(t, mr.StartResponse("appt-b", respB))

	signer.gasPrice = big.NewInt(80)
	respC := respFor("finalize")
	require.NoError(t, mr.StartResponse("appt-c", respC))

	require.Equal(t, 3, mr.QueueDepth())
	sentBeforeMine := len(signer.sent)

	dataB, err := respB.Encode()
	require.NoError(t, err)
	toB := respB.ContractAddress
	idB := models.NewTxId(1, dataB, &toB, big.NewInt(0), respB.GasLimit)

	// B is mined even though it sits behind A in the queue: consuming B
	// shifts C's nonce down by one (gas unchanged) while A is untouched,
	// so only C should be rebroadcast.
	require.NoError(t, mr.TxMined(idB, 1, txHash(50), 5))

	assert.Equal(t, 2, mr.QueueDepth())
	assert.Equal(t, sentBeforeMine+1, len(signer.sent))
}
