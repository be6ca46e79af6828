package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxId is a transaction's semantic identity: the chain, destination and
// payload that make two broadcasts "the same" response even after a
// gas-price bump replaces one with another. Nonce and gas price are
// deliberately excluded so TxId is stable across replacements.
//
// TxId is comparable and safe as a map key: Value is carried as its
// decimal string rather than a *big.Int.
type TxId struct {
	ChainID  uint64
	Data     string
	To       common.Address
	HasTo    bool
	Value    string
	GasLimit uint64
}

// NewTxId builds a TxId from transaction fields, normalising the
// optional "to" address and the value into comparable form.
func NewTxId(chainID uint64, data []byte, to *common.Address, value *big.Int, gasLimit uint64) TxId {
	id := TxId{
		ChainID:  chainID,
		Data:     string(data),
		GasLimit: gasLimit,
	}
	if to != nil {
		id.To = *to
		id.HasTo = true
	}
	if value != nil {
		id.Value = value.String()
	} else {
		id.Value = "0"
	}
	return id
}

// ResponderStatus names the lifecycle of a queued response. The
// multi-responder does not record it; it tracks pending responses in
// its gas queue instead.
type ResponderStatus int

const (
	// StatusPending means the response has been enqueued but no
	// broadcast has been observed mined yet.
	StatusPending ResponderStatus = iota
	// StatusMined means a transaction carrying this TxId has been
	// observed included in the chain.
	StatusMined
)

func (s ResponderStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusMined:
		return "MINED"
	default:
		return "UNKNOWN"
	}
}

// GasQueueItemRequest is what a caller supplies to enqueue a new
// response. IdealGas is the price the caller would like to pay; the
// queue may insert the item ahead of cheaper entries and raise their
// gas to stay monotone, but never raises IdealGas itself.
type GasQueueItemRequest struct {
	AppointmentID string
	Identifier    TxId
	IdealGas      *big.Int
	Data          []byte
	To            *common.Address
	Value         *big.Int
	GasLimit      uint64
}

// GasQueueItem is a single tracked broadcast. Nonce is derived purely
// from the item's position in the queue: it is not stored independently
// by the caller, only re-stamped by the queue on every recomputation.
type GasQueueItem struct {
	AppointmentID string
	Identifier    TxId
	Nonce         uint64
	CurrentGas    *big.Int
	Data          []byte
	To            *common.Address
	Value         *big.Int
	GasLimit      uint64
	BumpCount     int
}

// Clone returns a deep copy so queue operations can hand out
// independent snapshots.
func (i *GasQueueItem) Clone() *GasQueueItem {
	clone := *i
	if i.CurrentGas != nil {
		clone.CurrentGas = new(big.Int).Set(i.CurrentGas)
	}
	if i.Value != nil {
		clone.Value = new(big.Int).Set(i.Value)
	}
	if i.To != nil {
		to := *i.To
		clone.To = &to
	}
	return &clone
}

// ResponderAppointmentState is a per-response inclusion record. No
// reducer computes it: the multi-responder is not built on
// component.Component and does not populate this type.
type ResponderAppointmentState struct {
	AppointmentID string
	Identifier    TxId
	Status        ResponderStatus
	MinedAt       uint64
	MinedTxHash   common.Hash
}
