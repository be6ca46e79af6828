package models

// WatcherStatus is the two-state lifecycle a watched appointment moves
// through inside the watcher component.
type WatcherStatus int

const (
	// StatusWatching means no matching event has been observed yet;
	// the appointment is still within its watched block range.
	StatusWatching WatcherStatus = iota
	// StatusObserved means a matching event has been seen; the
	// appointment is handed to the responder once the event has
	// confirmations_before_response confirmations.
	StatusObserved
)

func (s WatcherStatus) String() string {
	switch s {
	case StatusWatching:
		return "WATCHING"
	case StatusObserved:
		return "OBSERVED"
	default:
		return "UNKNOWN"
	}
}

// WatcherAppointmentState is the per-appointment anchor state recomputed
// by the watcher's reducer on every chain-tip change.
type WatcherAppointmentState struct {
	AppointmentID string
	Status        WatcherStatus
	// ObservedAt is the block number the triggering log appeared in,
	// valid only when Status is StatusObserved.
	ObservedAt uint64
	// ObservedLog is the log that triggered the transition. The edge
	// actions do not read it; the response transaction is built from
	// the appointment's stored Response.
	ObservedLog *Log
}
