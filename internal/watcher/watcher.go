// Package watcher tracks every accepted appointment through its
// WATCHING -> OBSERVED lifecycle. State is recomputed from the chain
// tip on every new head, never mutated incrementally, so a reorg that
// un-observes an event reverts the anchor state to WATCHING and
// neither edge action re-fires until the chain re-satisfies it.
package watcher

import (
	"github.com/sirupsen/logrus"

	"pisa/internal/appointmentstore"
	"pisa/internal/blockcache"
	"pisa/internal/component"
	"pisa/pkg/models"
)

// ResponseSubmitter is the port the watcher calls into when an
// appointment's confirmation depth for Respond is reached: it hands
// the response off to whatever will actually broadcast it (the
// multi-responder).
type ResponseSubmitter interface {
	StartResponse(appointmentID string, response *models.ResponseData) error
}

// EventPublisher is the port the watcher uses to announce edge
// transitions for observability.
type EventPublisher interface {
	PublishAppointmentEvent(evt *models.AppointmentEvent) error
}

// Watcher recomputes every appointment's WatcherAppointmentState on
// each new chain head and fires Respond/Evict edge actions once their
// respective confirmation depths are reached.
type Watcher struct {
	store     *appointmentstore.Store
	cache     *blockcache.BlockCache
	responder ResponseSubmitter
	publisher EventPublisher
	logger    *logrus.Logger

	confirmationsBeforeResponse uint64
	confirmationsBeforeRemoval  uint64

	component     *component.Component[map[string]models.WatcherAppointmentState]
	lastHeadNumber uint64
}

// New builds a Watcher. confirmationsBeforeResponse must not exceed
// confirmationsBeforeRemoval: an appointment must have the chance to
// be responded to before it becomes eligible for eviction.
func New(
	cache *blockcache.BlockCache,
	store *appointmentstore.Store,
	responder ResponseSubmitter,
	publisher EventPublisher,
	logger *logrus.Logger,
	confirmationsBeforeResponse, confirmationsBeforeRemoval uint64,
) (*Watcher, error) {
	if confirmationsBeforeResponse > confirmationsBeforeRemoval {
		return nil, errConfirmationOrder
	}

	w := &Watcher{
		store:                       store,
		cache:                       cache,
		responder:                   responder,
		publisher:                   publisher,
		logger:                      logger,
		confirmationsBeforeResponse: confirmationsBeforeResponse,
		confirmationsBeforeRemoval:  confirmationsBeforeRemoval,
	}

	reducer := component.NewMappedStateReducer[string, models.WatcherAppointmentState](w)
	w.component = component.New("watcher", cache, reducer, w.onStateChange)
	return w, nil
}

// HandleNewHead advances the watcher's tracked state to head.
func (w *Watcher) HandleNewHead(head *models.Block) error {
	if err := w.component.HandleNewHead(head); err != nil {
		return err
	}
	w.lastHeadNumber = head.Number
	return nil
}

// Keys implements component.KeySource: every currently stored
// appointment is a tracked key.
func (w *Watcher) Keys() ([]string, error) {
	appointments, err := w.store.GetAll()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(appointments))
	for _, a := range appointments {
		keys = append(keys, a.ID)
	}
	return keys, nil
}

// ReducerFor implements component.KeySource, returning a per-appointment
// reducer closed over the appointment's own filter and block range.
func (w *Watcher) ReducerFor(id string) component.KeyedReducer[models.WatcherAppointmentState] {
	appointment, ok, err := w.store.GetByID(id)
	if err != nil || !ok {
		return noopReducer{id: id}
	}
	return &appointmentReducer{appointment: appointment, cache: w.cache}
}

// appointmentReducer folds an appointment's own event filter and
// block range against each new block to decide WATCHING vs OBSERVED.
type appointmentReducer struct {
	appointment *models.Appointment
	cache       *blockcache.BlockCache
}

func (r *appointmentReducer) matches(block *models.Block) bool {
	if block.Number < r.appointment.StartBlock || block.Number > r.appointment.EndBlock {
		return false
	}
	for _, log := range block.Logs {
		if r.appointment.EventFilter.Matches(log) {
			return true
		}
	}
	return false
}

// GetInitialState seeds state at a wholly new starting point by
// walking back along block's ancestry for the first block already
// carrying the matching event, so a component seeded mid-chain still
// recognises an event observed before it started watching.
func (r *appointmentReducer) GetInitialState(block *models.Block) models.WatcherAppointmentState {
	if ancestor, ok := r.cache.FindAncestor(block.Hash, r.matches); ok {
		return models.WatcherAppointmentState{
			AppointmentID: r.appointment.ID,
			Status:        models.StatusObserved,
			ObservedAt:    ancestor.Number,
			ObservedLog:   firstMatchingLog(r.appointment, ancestor),
		}
	}
	return models.WatcherAppointmentState{
		AppointmentID: r.appointment.ID,
		Status:        models.StatusWatching,
	}
}

func (r *appointmentReducer) Reduce(prev models.WatcherAppointmentState, block *models.Block) models.WatcherAppointmentState {
	if prev.Status == models.StatusObserved {
		return prev
	}
	if !r.matches(block) {
		return prev
	}
	return models.WatcherAppointmentState{
		AppointmentID: r.appointment.ID,
		Status:        models.StatusObserved,
		ObservedAt:    block.Number,
		ObservedLog:   firstMatchingLog(r.appointment, block),
	}
}

func firstMatchingLog(appointment *models.Appointment, block *models.Block) *models.Log {
	for _, log := range block.Logs {
		if appointment.EventFilter.Matches(log) {
			return log
		}
	}
	return nil
}

// noopReducer covers the brief window between an appointment being
// deleted from the store and its key falling out of the next Keys()
// call: it neither observes nor evicts.
type noopReducer struct{ id string }

func (r noopReducer) GetInitialState(block *models.Block) models.WatcherAppointmentState {
	return models.WatcherAppointmentState{AppointmentID: r.id, Status: models.StatusWatching}
}
func (r noopReducer) Reduce(prev models.WatcherAppointmentState, block *models.Block) models.WatcherAppointmentState {
	return prev
}

// onStateChange diffs the previous and next anchor states for every
// appointment. Respond fires once head.number - blockObserved + 1
// reaches confirmationsBeforeResponse and did not already at the
// previous head; Evict fires the same way at confirmationsBeforeRemoval.
// A reorg that reverts an appointment to WATCHING, or that moves
// blockObserved to a different block, resets both guards for the new
// chain.
func (w *Watcher) onStateChange(prev, next map[string]models.WatcherAppointmentState, head *models.Block) {
	for id, nextState := range next {
		if nextState.Status != models.StatusObserved {
			continue
		}

		appointment, ok, err := w.store.GetByID(id)
		if err != nil || !ok {
			continue
		}

		confirmations := head.Number - nextState.ObservedAt + 1

		prevState, tracked := prev[id]
		prevSameObservation := tracked &&
			prevState.Status == models.StatusObserved &&
			prevState.ObservedAt == nextState.ObservedAt

		var prevConfirmations uint64
		if prevSameObservation && w.lastHeadNumber >= nextState.ObservedAt {
			prevConfirmations = w.lastHeadNumber - nextState.ObservedAt + 1
		}

		prevResponseDue := prevSameObservation && prevConfirmations >= w.confirmationsBeforeResponse
		prevRemovalDue := prevSameObservation && prevConfirmations >= w.confirmationsBeforeRemoval

		if confirmations >= w.confirmationsBeforeResponse && !prevResponseDue {
			w.respond(appointment, nextState)
		}
		if confirmations >= w.confirmationsBeforeRemoval && !prevRemovalDue {
			w.evict(appointment, head)
		}
	}
}

func (w *Watcher) respond(appointment *models.Appointment, state models.WatcherAppointmentState) {
	if err := w.responder.StartResponse(appointment.ID, &appointment.Response); err != nil {
		w.logger.Errorf("appointment %s: start response failed: %v", appointment.ID, err)
		return
	}

	if w.publisher != nil {
		_ = w.publisher.PublishAppointmentEvent(&models.AppointmentEvent{
			Type:          models.EventRespond,
			AppointmentID: appointment.ID,
			BlockNumber:   state.ObservedAt,
			Message:       "trigger event observed, response submitted",
		})
	}
}

func (w *Watcher) evict(appointment *models.Appointment, head *models.Block) {
	if err := w.store.RemoveByID(appointment.ID); err != nil {
		w.logger.Errorf("appointment %s: evict failed: %v", appointment.ID, err)
		return
	}

	if w.publisher != nil {
		_ = w.publisher.PublishAppointmentEvent(&models.AppointmentEvent{
			Type:          models.EventEvict,
			AppointmentID: appointment.ID,
			BlockNumber:   head.Number,
			Message:       "response confirmed, appointment retired",
		})
	}
}
