package models

import "time"

// AppointmentEventType enumerates the edge transitions PISA publishes
// as observability events, mirroring the edge actions taken by the
// watcher and responder reducers.
type AppointmentEventType string

const (
	// EventRespond fires when the watcher hands an appointment to the
	// responder after observing its trigger event.
	EventRespond AppointmentEventType = "respond"
	// EventEvict fires when an observed appointment's confirmation depth
	// reaches confirmationsBeforeRemoval and it is retired from the store.
	EventEvict AppointmentEventType = "evict"
	// EventBroadcast fires each time the responder (re)broadcasts a
	// queued response, including gas-price bumps.
	EventBroadcast AppointmentEventType = "broadcast"
	// EventMined fires when a broadcast response is observed included
	// in the chain.
	EventMined AppointmentEventType = "mined"
)

// AppointmentEvent is the notification PISA emits for every externally
// visible appointment lifecycle transition.
type AppointmentEvent struct {
	Type          AppointmentEventType `json:"type"`
	AppointmentID string               `json:"appointment_id"`
	BlockNumber   uint64               `json:"block_number"`
	TxHash        string               `json:"tx_hash,omitempty"`
	Message       string               `json:"message,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// ToKafkaMessage converts the event to a flat map for JSON encoding
// onto the output topic.
func (e *AppointmentEvent) ToKafkaMessage() map[string]interface{} {
	return map[string]interface{}{
		"type":           e.Type,
		"appointment_id": e.AppointmentID,
		"block_number":   e.BlockNumber,
		"tx_hash":        e.TxHash,
		"message":        e.Message,
		"timestamp":      e.Timestamp.Unix(),
	}
}
