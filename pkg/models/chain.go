package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log is the subset of an on-chain event log the watcher needs to match
// an appointment's event filter.
type Log struct {
	Address         common.Address `json:"address"`
	Topics          []common.Hash  `json:"topics"`
	Data            []byte         `json:"data"`
	BlockNumber     uint64         `json:"block_number"`
	BlockHash       common.Hash    `json:"block_hash"`
	TransactionHash common.Hash    `json:"transaction_hash"`
	Index           uint           `json:"log_index"`
	Removed         bool           `json:"removed"`
}

// FromEthereumLog converts a go-ethereum log into the internal model.
func (l *Log) FromEthereumLog(log *types.Log) {
	if log == nil {
		return
	}
	l.Address = log.Address
	l.Topics = append([]common.Hash(nil), log.Topics...)
	l.Data = append([]byte(nil), log.Data...)
	l.BlockNumber = log.BlockNumber
	l.BlockHash = log.BlockHash
	l.TransactionHash = log.TxHash
	l.Index = log.Index
	l.Removed = log.Removed
}

// Tx is the subset of a transaction the responder and tracker need:
// enough to derive a TxId and to observe inclusion.
type Tx struct {
	Hash     common.Hash     `json:"hash"`
	To       *common.Address `json:"to"`
	From     common.Address  `json:"from"`
	Data     []byte          `json:"data"`
	Value    *big.Int        `json:"value"`
	GasLimit uint64          `json:"gas_limit"`
	Nonce    uint64          `json:"nonce"`
	ChainID  uint64          `json:"chain_id"`
}

// TxID derives this transaction's semantic identity, independent of
// nonce and gas price.
func (t *Tx) TxID() TxId {
	return NewTxId(t.ChainID, t.Data, t.To, t.Value, t.GasLimit)
}

// Block is the minimal chain data carried by the block cache and folded
// by the component reducers: a number, its identity, its parentage, and
// the transactions/logs that reducers scan.
type Block struct {
	Number       uint64        `json:"number"`
	Hash         common.Hash   `json:"hash"`
	ParentHash   common.Hash   `json:"parent_hash"`
	Transactions []*Tx         `json:"transactions"`
	Logs         []*Log        `json:"logs"`
}

// FromEthereumBlock converts a full go-ethereum block (with receipts'
// logs folded in by the caller) into the internal model.
func (b *Block) FromEthereumBlock(block *types.Block, chainID uint64, logs []*types.Log) {
	if block == nil {
		return
	}

	b.Number = block.NumberU64()
	b.Hash = block.Hash()
	b.ParentHash = block.ParentHash()

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	b.Transactions = make([]*Tx, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			from = common.Address{}
		}
		b.Transactions = append(b.Transactions, &Tx{
			Hash:     tx.Hash(),
			To:       tx.To(),
			From:     from,
			Data:     tx.Data(),
			Value:    tx.Value(),
			GasLimit: tx.Gas(),
			Nonce:    tx.Nonce(),
			ChainID:  chainID,
		})
	}

	b.Logs = make([]*Log, 0, len(logs))
	for _, l := range logs {
		log := &Log{}
		log.FromEthereumLog(l)
		b.Logs = append(b.Logs, log)
	}
}
