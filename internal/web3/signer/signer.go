// Package signer holds the platform relayer key and submits transactions
// with locally tracked nonces.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "superdao-relay/internal/errors"
)

const (
	// CodeNonceConflict 表示节点拒绝了本地分配的 nonce。
	CodeNonceConflict xerrors.Code = "CHAIN_NONCE_CONFLICT"
	// CodeInsufficientFunds 表示代付钱包余额不足。
	CodeInsufficientFunds xerrors.Code = "CHAIN_INSUFFICIENT_FUNDS"
	// CodeSignFailure 表示交易签名失败。
	CodeSignFailure xerrors.Code = "CHAIN_SIGN_FAILURE"
)

func init() {
	xerrors.Register(CodeNonceConflict, xerrors.Attributes{
		Message:   "nonce rejected by node",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "relayer wallet has insufficient funds",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeSignFailure, xerrors.Attributes{
		Message:  "transaction signing failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Signer signs transactions with the relayer's private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New parses a hex encoded secp256k1 key, with or without 0x prefix.
func New(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未配置代付钱包私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析代付钱包私钥失败: %w", err)
	}
	return FromKey(key), nil
}

// FromKey wraps an already parsed key.
func FromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the relayer address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID using the latest signer rules.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignFailure, err, "签名交易失败")
	}
	return signed, nil
}
