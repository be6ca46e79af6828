package component

import "pisa/pkg/models"

// KeyedReducer is a StateReducer for a single tracked entity (one
// appointment, one queued response). MappedStateReducer folds many of
// these, one per active key, into a single map-valued StateReducer.
type KeyedReducer[S any] interface {
	GetInitialState(block *models.Block) S
	Reduce(prev S, block *models.Block) S
}

// KeySource supplies the set of keys that should have anchor state
// tracked as of a given block, and builds the per-key reducer for a
// key that doesn't have one yet.
type KeySource[K comparable, S any] interface {
	Keys() ([]K, error)
	ReducerFor(key K) KeyedReducer[S]
}

// MappedStateReducer lifts a per-key reducer into a StateReducer over
// map[K]S, independently seeding and folding every key returned by its
// KeySource. This is how the watcher tracks one WatcherAppointmentState
// per appointment, all under a single Component instance.
type MappedStateReducer[K comparable, S any] struct {
	source KeySource[K, S]
}

// NewMappedStateReducer builds a StateReducer[map[K]S] backed by source.
func NewMappedStateReducer[K comparable, S any](source KeySource[K, S]) *MappedStateReducer[K, S] {
	return &MappedStateReducer[K, S]{source: source}
}

func (m *MappedStateReducer[K, S]) GetInitialState(block *models.Block) map[K]S {
	result := make(map[K]S)
	keys, err := m.source.Keys()
	if err != nil {
		return result
	}
	for _, k := range keys {
		result[k] = m.source.ReducerFor(k).GetInitialState(block)
	}
	return result
}

func (m *MappedStateReducer[K, S]) Reduce(prev map[K]S, block *models.Block) map[K]S {
	next := make(map[K]S, len(prev))
	for k, s := range prev {
		next[k] = m.source.ReducerFor(k).Reduce(s, block)
	}

	keys, err := m.source.Keys()
	if err != nil {
		return next
	}
	for _, k := range keys {
		if _, tracked := next[k]; !tracked {
			next[k] = m.source.ReducerFor(k).GetInitialState(block)
		}
	}
	return next
}
