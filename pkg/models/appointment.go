package models

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EventFilter describes the single log event an appointment is watching
// for: an emitting contract plus the exact topics that must match.
type EventFilter struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
}

// Matches reports whether the given log was emitted by this filter's
// address and carries this filter's topics as a prefix of its own.
func (f *EventFilter) Matches(log *Log) bool {
	if log.Address != f.Address {
		return false
	}
	if len(log.Topics) < len(f.Topics) {
		return false
	}
	for i, topic := range f.Topics {
		if log.Topics[i] != topic {
			return false
		}
	}
	return true
}

// ResponseData is everything the responder needs to build the
// on-chain transaction that fulfils an appointment: the target
// contract, the ABI fragment describing the call, the function to
// invoke and its arguments, plus a gas ceiling supplied by the
// customer.
type ResponseData struct {
	ContractAddress common.Address `json:"contract_address"`
	ContractABI     string         `json:"contract_abi"`
	FunctionName    string         `json:"function_name"`
	FunctionArgs    []interface{}  `json:"function_args"`
	GasLimit        uint64         `json:"gas_limit"`
}

// Encode packs the function call described by this response data into
// calldata suitable for a transaction's Data field.
func (r *ResponseData) Encode() ([]byte, error) {
	parsedABI, err := abi.JSON(strings.NewReader(r.ContractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	data, err := parsedABI.Pack(r.FunctionName, r.FunctionArgs...)
	if err != nil {
		return nil, fmt.Errorf("pack %s call: %w", r.FunctionName, err)
	}

	return data, nil
}

// Appointment is the durable record of a customer's request that PISA
// watch for a trigger event and, if seen, broadcast a pre-agreed
// response transaction on the customer's behalf.
type Appointment struct {
	ID              string          `json:"id"`
	StateLocator    string          `json:"state_locator"`
	CustomerAddress common.Address  `json:"customer_address"`
	StartBlock      uint64          `json:"start_block"`
	EndBlock        uint64          `json:"end_block"`
	EventFilter     EventFilter     `json:"event_filter"`
	Response        ResponseData    `json:"response"`
	CustomerSig     []byte          `json:"customer_signature"`
	Nonce           uint64          `json:"nonce"`
}

// AppointmentRequest is the wire shape accepted at the ingestion API,
// prior to ID assignment and persistence.
type AppointmentRequest struct {
	StateLocator    string         `json:"state_locator"`
	CustomerAddress common.Address `json:"customer_address"`
	StartBlock      uint64         `json:"start_block"`
	EndBlock        uint64         `json:"end_block"`
	EventAddress    common.Address `json:"event_address"`
	EventTopics     []common.Hash  `json:"event_topics"`
	ContractAddress common.Address `json:"contract_address"`
	ContractABI     string         `json:"contract_abi"`
	FunctionName    string         `json:"function_name"`
	FunctionArgs    []interface{}  `json:"function_args"`
	GasLimit        uint64         `json:"gas_limit"`
	Nonce           uint64         `json:"nonce"`
	Signature       []byte         `json:"signature"`
}
