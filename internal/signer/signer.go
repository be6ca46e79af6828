// Package signer wraps the private key PISA uses to broadcast
// responses: it derives the signing address once at startup and never
// logs or serialises the key afterwards.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"pisa/internal/connection"
	"pisa/internal/retry"
)

// Signer is the port the multi-responder depends on to turn a
// GasQueueItem into a broadcast transaction.
type Signer interface {
	Address() common.Address
	ChainID(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, to *common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, nonce uint64, data []byte) (common.Hash, error)
}

// EthSigner signs and broadcasts transactions against the shared
// connection pool, retrying transient RPC failures the same way the
// rest of PISA's chain-facing components do.
type EthSigner struct {
	pool    *connection.ConnectionPool
	retrier *retry.Retrier
	logger  *logrus.Logger

	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewEthSigner derives the signing address from privateKeyHex without
// ever logging the key material itself.
func NewEthSigner(pool *connection.ConnectionPool, privateKeyHex string, logger *logrus.Logger) (*EthSigner, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey)
	logger.Infof("响应签名地址: %s", address.Hex())

	return &EthSigner{
		pool:       pool,
		retrier:    retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:     logger,
		privateKey: key,
		address:    address,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Address returns the signer's on-chain address.
func (s *EthSigner) Address() common.Address {
	return s.address
}

// ChainID fetches the connected chain's ID.
func (s *EthSigner) ChainID(ctx context.Context) (uint64, error) {
	var chainID uint64
	err := s.retrier.Execute(ctx, "signer.ChainID", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		id, err := wrapper.Client().ChainID(ctx)
		if err != nil {
			return err
		}
		chainID = id.Uint64()
		return nil
	})
	return chainID, err
}

// PendingNonceAt returns the next nonce this signer's address should
// use, including transactions still pending in the mempool.
func (s *EthSigner) PendingNonceAt(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := s.retrier.Execute(ctx, "signer.PendingNonceAt", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		n, err := wrapper.Client().PendingNonceAt(ctx, s.address)
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	return nonce, err
}

// SuggestGasPrice asks the node for a current baseline gas price.
func (s *EthSigner) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := s.retrier.Execute(ctx, "signer.SuggestGasPrice", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		p, err := wrapper.Client().SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

// SendTransaction signs and broadcasts a legacy transaction, retrying
// the send itself with the network retry policy. Node rejections like
// "nonce too low" or "already known" count as retryable there, so they
// are retried and, once the attempts run out, returned wrapped.
func (s *EthSigner) SendTransaction(ctx context.Context, to *common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, nonce uint64, data []byte) (common.Hash, error) {
	chainID, err := s.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取链ID失败: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	signedTx, err := types.SignTx(tx, signer, s.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}

	err = s.retrier.Execute(ctx, "signer.SendTransaction", func() error {
		wrapper, err := s.pool.NewConnectionWrapper()
		if err != nil {
			return err
		}
		defer wrapper.Close()

		return wrapper.Client().SendTransaction(ctx, signedTx)
	})
	if err != nil {
		return common.Hash{}, err
	}

	return signedTx.Hash(), nil
}
