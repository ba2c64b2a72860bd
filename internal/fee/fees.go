// Package fee discovers EIP-1559 fee parameters for outgoing transactions.
//
// Fees come from a chain's gas station when one is configured, from the node
// otherwise, and from hardcoded defaults when both fail. Results are cached
// per chain for a short TTL.
package fee

import (
	"math/big"
	"time"

	xerrors "superdao-relay/internal/errors"
)

// Source names where a fee estimate came from.
type Source string

const (
	SourceGasStation Source = "gas_station"
	SourceNode       Source = "node"
	SourceFallback   Source = "fallback"
)

// Speed selects a gas station price band.
type Speed string

const (
	SpeedSafeLow  Speed = "safeLow"
	SpeedStandard Speed = "standard"
	SpeedFast     Speed = "fast"
)

const (
	// CodeGasStationFailure 表示 gas station 请求或解析失败。
	CodeGasStationFailure xerrors.Code = "FEE_GAS_STATION_FAILURE"
	// CodeNodeFeeFailure 表示节点无法给出费用建议。
	CodeNodeFeeFailure xerrors.Code = "FEE_NODE_FAILURE"
)

func init() {
	xerrors.Register(CodeGasStationFailure, xerrors.Attributes{
		Message:   "gas station request failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeNodeFeeFailure, xerrors.Attributes{
		Message:   "node fee suggestion failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Fees is a complete set of fee parameters in wei.
type Fees struct {
	MaxFeePerGas         *big.Int  `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int  `json:"maxPriorityFeePerGas"`
	GasPrice             *big.Int  `json:"gasPrice"`
	Source               Source    `json:"source"`
	FetchedAt            time.Time `json:"fetchedAt"`
}

// clamp keeps the priority fee at or below the max fee.
func (f Fees) clamp() Fees {
	if f.MaxFeePerGas != nil && f.MaxPriorityFeePerGas != nil && f.MaxPriorityFeePerGas.Cmp(f.MaxFeePerGas) > 0 {
		f.MaxPriorityFeePerGas = new(big.Int).Set(f.MaxFeePerGas)
	}
	return f
}

// Copy returns a deep copy so callers can mutate the big.Int fields.
func (f Fees) Copy() Fees {
	out := f
	out.MaxFeePerGas = cloneInt(f.MaxFeePerGas)
	out.MaxPriorityFeePerGas = cloneInt(f.MaxPriorityFeePerGas)
	out.GasPrice = cloneInt(f.GasPrice)
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

var gweiScale = new(big.Float).SetPrec(256).SetInt64(1_000_000_000)

// GweiToWei converts a decimal gwei amount to wei, rounding to the nearest
// wei. It accepts the textual form so values such as "30.000000001" keep
// their precision.
func GweiToWei(gwei string) (*big.Int, bool) {
	f, ok := new(big.Float).SetPrec(256).SetString(gwei)
	if !ok || f.Sign() < 0 {
		return nil, false
	}
	f.Mul(f, gweiScale)
	f.Add(f, big.NewFloat(0.5))
	wei, _ := f.Int(nil)
	return wei, true
}

// Gwei converts a float gwei amount to wei.
func Gwei(v float64) *big.Int {
	wei, _ := new(big.Float).SetPrec(256).Mul(big.NewFloat(v), gweiScale).Int(nil)
	return wei
}

// DefaultFallback returns the fees used when every source fails.
func DefaultFallback() Fees {
	return Fees{
		MaxFeePerGas:         Gwei(300),
		MaxPriorityFeePerGas: Gwei(40),
		GasPrice:             Gwei(300),
		Source:               SourceFallback,
	}
}
