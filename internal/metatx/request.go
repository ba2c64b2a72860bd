// Package metatx verifies and relays ERC-2771 meta-transactions through a
// MinimalForwarder, with the platform wallet paying for gas.
package metatx

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"superdao-relay/internal/contracts"
	xerrors "superdao-relay/internal/errors"
)

const (
	// DomainName 与 MinimalForwarder 合约构造参数一致。
	DomainName = "MinimalForwarder"
	// DomainVersion 与 MinimalForwarder 合约构造参数一致。
	DomainVersion = "0.0.1"
)

const (
	CodeInvalidSignature xerrors.Code = "METATX_INVALID_SIGNATURE"
	CodeNonceMismatch    xerrors.Code = "METATX_NONCE_MISMATCH"
	CodeTargetNotAllowed xerrors.Code = "METATX_TARGET_NOT_ALLOWED"
	CodeNoForwarder      xerrors.Code = "METATX_FORWARDER_MISSING"
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:    "meta-transaction signature is invalid",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeNonceMismatch, xerrors.Attributes{
		Message:    "meta-transaction nonce does not match forwarder",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeTargetNotAllowed, xerrors.Attributes{
		Message:    "meta-transaction target is not allowed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
	xerrors.Register(CodeNoForwarder, xerrors.Attributes{
		Message:    "no forwarder configured for chain",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

// ForwardRequest is the request a user signs off-chain. Numeric fields accept
// decimal or 0x-prefixed hex strings in JSON.
type ForwardRequest struct {
	From  common.Address        `json:"from"`
	To    common.Address        `json:"to"`
	Value *math.HexOrDecimal256 `json:"value"`
	Gas   *math.HexOrDecimal256 `json:"gas"`
	Nonce *math.HexOrDecimal256 `json:"nonce"`
	Data  hexutil.Bytes         `json:"data"`
}

// ValueInt returns the value in wei.
func (r ForwardRequest) ValueInt() *big.Int { return toInt(r.Value) }

// GasInt returns the gas forwarded to the target call.
func (r ForwardRequest) GasInt() *big.Int { return toInt(r.Gas) }

// NonceInt returns the forwarder nonce.
func (r ForwardRequest) NonceInt() *big.Int { return toInt(r.Nonce) }

func toInt(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

// Contract converts the request to its ABI tuple.
func (r ForwardRequest) Contract() contracts.ForwardRequest {
	return contracts.ForwardRequest{
		From:  r.From,
		To:    r.To,
		Value: r.ValueInt(),
		Gas:   r.GasInt(),
		Nonce: r.NonceInt(),
		Data:  append([]byte(nil), r.Data...),
	}
}

// Domain identifies the forwarder instance a request is signed for.
type Domain struct {
	ChainID           *big.Int
	VerifyingContract common.Address
}

// TypedData builds the EIP-712 document for req.
func TypedData(req ForwardRequest, domain Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ForwardRequest": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "gas", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "data", Type: "bytes"},
			},
		},
		PrimaryType: "ForwardRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":  req.From.Hex(),
			"to":    req.To.Hex(),
			"value": req.ValueInt().String(),
			"gas":   req.GasInt().String(),
			"nonce": req.NonceInt().String(),
			"data":  []byte(req.Data),
		},
	}
}

// Hash returns the EIP-712 digest the user signs.
func Hash(req ForwardRequest, domain Domain) ([]byte, error) {
	if domain.ChainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 chainId")
	}
	hash, _, err := apitypes.TypedDataAndHash(TypedData(req, domain))
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "构造 EIP-712 数据失败")
	}
	return hash, nil
}

// Recover returns the address that produced sig over req.
func Recover(req ForwardRequest, sig []byte, domain Domain) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(CodeInvalidSignature, fmt.Sprintf("签名长度应为 %d 字节", crypto.SignatureLength))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	switch v := normalized[64]; v {
	case 0, 1:
	case 27, 28:
		normalized[64] = v - 27
	default:
		return common.Address{}, xerrors.New(CodeInvalidSignature, fmt.Sprintf("无效的 v 值 %d", v))
	}

	hash, err := Hash(req, domain)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "恢复签名地址失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig was produced by req.From.
func Verify(req ForwardRequest, sig []byte, domain Domain) error {
	signer, err := Recover(req, sig, domain)
	if err != nil {
		return err
	}
	if signer != req.From {
		return xerrors.New(CodeInvalidSignature, "签名地址与 from 不一致",
			xerrors.WithMetadata("from", req.From.Hex()),
			xerrors.WithMetadata("signer", signer.Hex()),
		)
	}
	return nil
}

// contractSignature returns sig with v in the 27/28 form ecrecover expects.
func contractSignature(sig []byte) []byte {
	out := append([]byte(nil), sig...)
	if len(out) == crypto.SignatureLength && out[64] < 27 {
		out[64] += 27
	}
	return out
}
