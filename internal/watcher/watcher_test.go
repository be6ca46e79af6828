package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pisa/internal/appointmentstore"
	"pisa/internal/blockcache"
	"pisa/pkg/models"
)

type fakeResponder struct {
	started []string
}

func (f *fakeResponder) StartResponse(appointmentID string, response *models.ResponseData) error {
	f.started = append(f.started, appointmentID)
	return nil
}

type fakePublisher struct {
	events []*models.AppointmentEvent
}

func (f *fakePublisher) PublishAppointmentEvent(evt *models.AppointmentEvent) error {
	f.events = append(f.events, evt)
	return nil
}

func newTestStore(t *testing.T) *appointmentstore.Store {
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s, err := appointmentstore.New(filepath.Join(dir, "appointments.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func h(b byte) common.Hash {
	var hh common.Hash
	hh[31] = b
	return hh
}

func TestWatcherRejectsInvertedConfirmations(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	store := newTestStore(t)
	logger := logrus.New()

	_, err := New(cache, store, &fakeResponder{}, &fakePublisher{}, logger, 5, 3)
	assert.ErrorIs(t, err, errConfirmationOrder)
}

func TestWatcherRespondsOnMatchingLog(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	store := newTestStore(t)
	responder := &fakeResponder{}
	publisher := &fakePublisher{}
	logger := logrus.New()

	filter := models.EventFilter{Address: common.HexToAddress("0xaaa"), Topics: []common.Hash{common.HexToHash("0x01")}}
	_, err := store.AddOrUpdateByStateLocator(&models.Appointment{
		ID: "appt-1", StateLocator: "loc-1", Nonce: 1,
		StartBlock: 1, EndBlock: 10, EventFilter: filter,
	})
	require.NoError(t, err)

	w, err := New(cache, store, responder, publisher, logger, 0, 5)
	require.NoError(t, err)

	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	cache.AddBlock(b1)
	require.NoError(t, w.HandleNewHead(b1))
	assert.Empty(t, responder.started)

	matchingLog := &models.Log{Address: filter.Address, Topics: filter.Topics}
	b2 := &models.Block{Number: 2, Hash: h(2), ParentHash: h(1), Logs: []*models.Log{matchingLog}}
	cache.AddBlock(b2)
	require.NoError(t, w.HandleNewHead(b2))

	require.Len(t, responder.started, 1)
	assert.Equal(t, "appt-1", responder.started[0])
	require.Len(t, publisher.events, 1)
	assert.Equal(t, models.EventRespond, publisher.events[0].Type)
}

func TestWatcherEvictsAfterConfirmedResponse(t *testing.T) {
	cache := blockcache.NewBlockCache(10)
	store := newTestStore(t)
	responder := &fakeResponder{}
	publisher := &fakePublisher{}
	logger := logrus.New()

	filter := models.EventFilter{Address: common.HexToAddress("0xaaa"), Topics: []common.Hash{common.HexToHash("0x01")}}
	_, err := store.AddOrUpdateByStateLocator(&models.Appointment{
		ID: "appt-1", StateLocator: "loc-1", Nonce: 1,
		StartBlock: 1, EndBlock: 10, EventFilter: filter,
	})
	require.NoError(t, err)

	// confirmationsBeforeResponse=1, confirmationsBeforeRemoval=3
	w, err := New(cache, store, responder, publisher, logger, 1, 3)
	require.NoError(t, err)

	b1 := &models.Block{Number: 1, Hash: h(1), ParentHash: h(0)}
	cache.AddBlock(b1)
	require.NoError(t, w.HandleNewHead(b1))

	matchingLog := &models.Log{Address: filter.Address, Topics: filter.Topics}
	b2 := &models.Block{Number: 2, Hash: h(2), ParentHash: h(1), Logs: []*models.Log{matchingLog}}
	cache.AddBlock(b2)
	require.NoError(t, w.HandleNewHead(b2))

	// observed at block 2, confirmations = 2-2+1 = 1 >= confirmationsBeforeResponse(1)
	require.Len(t, responder.started, 1)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, models.EventRespond, publisher.events[0].Type)

	b3 := &models.Block{Number: 3, Hash: h(3), ParentHash: h(2)}
	cache.AddBlock(b3)
	require.NoError(t, w.HandleNewHead(b3))
	_, ok, _ := store.GetByID("appt-1")
	assert.True(t, ok, "should not evict before removal confirmations reached")

	b4 := &models.Block{Number: 4, Hash: h(4), ParentHash: h(3)}
	cache.AddBlock(b4)
	require.NoError(t, w.HandleNewHead(b4))

	// confirmations = 4-2+1 = 3 >= confirmationsBeforeRemoval(3)
	_, ok, _ = store.GetByID("appt-1")
	assert.False(t, ok, "appointment should be evicted")
	require.Len(t, publisher.events, 2)
	assert.Equal(t, models.EventEvict, publisher.events[1].Type)
}
