package signer

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/fee"
	"superdao-relay/internal/web3"
	"superdao-relay/pkg/logger"
)

// FeeSource supplies fee parameters and gas limits.
type FeeSource interface {
	Fees(ctx context.Context, chain web3.Chain) (fee.Fees, error)
	EstimateGas(ctx context.Context, backend web3.Backend, msg gethcore.CallMsg) (uint64, bool)
}

// SendOption adjusts a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	gasLimit uint64
}

// WithGasLimit skips estimation and uses gas as the limit.
func WithGasLimit(gas uint64) SendOption {
	return func(o *sendOptions) {
		o.gasLimit = gas
	}
}

// Sent describes a transaction accepted by the node.
type Sent struct {
	Hash     common.Hash
	Nonce    uint64
	GasLimit uint64
	Fees     fee.Fees
}

// Sender signs and submits EIP-1559 transactions from the relayer wallet.
type Sender struct {
	signer *Signer
	fees   FeeSource
	log    *slog.Logger

	mu       sync.Mutex
	managers map[string]*NonceManager
	onSent   func(chain string)
}

// NewSender wires a signer to a fee source.
func NewSender(s *Signer, fees FeeSource) *Sender {
	return &Sender{
		signer:   s,
		fees:     fees,
		log:      logger.Named("signer"),
		managers: make(map[string]*NonceManager),
	}
}

// OnSent registers a callback invoked for every accepted transaction.
func (s *Sender) OnSent(fn func(chain string)) {
	s.onSent = fn
}

// Address returns the relayer address.
func (s *Sender) Address() common.Address {
	return s.signer.Address()
}

// Nonces returns the nonce manager for chain.
func (s *Sender) Nonces(chain web3.Chain) *NonceManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[chain.Name()]
	if !ok {
		m = NewNonceManager(chain.Backend(), s.signer.Address())
		s.managers[chain.Name()] = m
	}
	return m
}

// Send builds, signs and submits a transaction to `to`. A nonce rejection
// triggers one resync and retry.
func (s *Sender) Send(ctx context.Context, chain web3.Chain, to common.Address, value *big.Int, data []byte, opts ...SendOption) (Sent, error) {
	var options sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if value == nil {
		value = new(big.Int)
	}

	nonces := s.Nonces(chain)
	sent, err := s.sendOnce(ctx, chain, nonces, to, value, data, options)
	if err != nil && IsNonceError(err) {
		s.log.Warn("nonce 冲突，重新同步后重试", slog.String("chain", chain.Name()), slog.Any("error", err))
		if syncErr := nonces.Resync(ctx); syncErr != nil {
			return Sent{}, syncErr
		}
		sent, err = s.sendOnce(ctx, chain, nonces, to, value, data, options)
		if err != nil && IsNonceError(err) {
			return Sent{}, xerrors.Wrap(CodeNonceConflict, err, "nonce 重试后仍被拒绝")
		}
	}
	if err != nil {
		return Sent{}, err
	}
	if s.onSent != nil {
		s.onSent(chain.Name())
	}
	s.log.Info("交易已提交",
		slog.String("chain", chain.Name()),
		slog.String("tx_hash", sent.Hash.Hex()),
		slog.Uint64("nonce", sent.Nonce),
		slog.Uint64("gas", sent.GasLimit),
		slog.String("fee_source", string(sent.Fees.Source)),
	)
	return sent, nil
}

func (s *Sender) sendOnce(ctx context.Context, chain web3.Chain, nonces *NonceManager, to common.Address, value *big.Int, data []byte, options sendOptions) (Sent, error) {
	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return Sent{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	fees, err := s.fees.Fees(ctx, chain)
	if err != nil {
		return Sent{}, err
	}
	gas := options.gasLimit
	if gas == 0 {
		gas, _ = s.fees.EstimateGas(ctx, chain.Backend(), gethcore.CallMsg{
			From:  s.signer.Address(),
			To:    &to,
			Value: value,
			Data:  data,
		})
	}

	nonce, release, err := nonces.Reserve(ctx)
	if err != nil {
		return Sent{}, err
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := s.signer.SignTx(tx, chainID)
	if err != nil {
		release(false)
		return Sent{}, err
	}
	if err := chain.Backend().SendTransaction(ctx, signed); err != nil {
		release(false)
		if IsNonceError(err) {
			return Sent{}, err
		}
		if isInsufficientFunds(err) {
			return Sent{}, xerrors.Wrap(CodeInsufficientFunds, err, "代付钱包余额不足")
		}
		return Sent{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "提交交易失败")
	}
	release(true)
	return Sent{Hash: signed.Hash(), Nonce: nonce, GasLimit: gas, Fees: fees}, nil
}
