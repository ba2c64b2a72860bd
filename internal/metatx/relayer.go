package metatx

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"superdao-relay/internal/contracts"
	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/web3"
	"superdao-relay/internal/web3/signer"
	"superdao-relay/pkg/logger"
)

// TargetPolicy decides which contracts may be called through the forwarder.
type TargetPolicy interface {
	IsAllowed(target common.Address) bool
}

// TargetFunc adapts a function to TargetPolicy.
type TargetFunc func(common.Address) bool

// IsAllowed implements TargetPolicy.
func (f TargetFunc) IsAllowed(target common.Address) bool { return f(target) }

// AllowList is a static TargetPolicy.
type AllowList map[common.Address]struct{}

// NewAllowList parses hex addresses, skipping malformed entries.
func NewAllowList(addrs []string) AllowList {
	out := make(AllowList, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if common.IsHexAddress(a) {
			out[common.HexToAddress(a)] = struct{}{}
		}
	}
	return out
}

// IsAllowed implements TargetPolicy.
func (l AllowList) IsAllowed(target common.Address) bool {
	_, ok := l[target]
	return ok
}

// AnyOf allows a target accepted by any of the policies.
func AnyOf(policies ...TargetPolicy) TargetPolicy {
	return TargetFunc(func(target common.Address) bool {
		for _, p := range policies {
			if p != nil && p.IsAllowed(target) {
				return true
			}
		}
		return false
	})
}

// Transactor submits transactions from the relayer wallet.
type Transactor interface {
	Send(ctx context.Context, chain web3.Chain, to common.Address, value *big.Int, data []byte, opts ...signer.SendOption) (signer.Sent, error)
}

// Relayer validates meta-transactions and submits them to the forwarder.
type Relayer struct {
	sender     Transactor
	targets    TargetPolicy
	forwarders map[string]common.Address
	overhead   uint64
	maxGas     uint64
	log        *slog.Logger
}

// DefaultMaxGas caps the gas a meta-transaction may forward to its target.
const DefaultMaxGas uint64 = 1_000_000

// RelayerOption configures a Relayer.
type RelayerOption func(*Relayer)

// WithMaxGas overrides DefaultMaxGas. Zero keeps the default.
func WithMaxGas(gas uint64) RelayerOption {
	return func(r *Relayer) {
		if gas > 0 {
			r.maxGas = gas
		}
	}
}

// NewRelayer creates a relayer. forwarders overrides the per-chain forwarder
// address from chains.yaml, keyed by chain name.
func NewRelayer(sender Transactor, targets TargetPolicy, forwarders map[string]string, overhead uint64, opts ...RelayerOption) *Relayer {
	parsed := make(map[string]common.Address, len(forwarders))
	for name, addr := range forwarders {
		if common.IsHexAddress(addr) {
			parsed[name] = common.HexToAddress(addr)
		}
	}
	if targets == nil {
		targets = AllowList{}
	}
	r := &Relayer{
		sender:     sender,
		targets:    targets,
		forwarders: parsed,
		overhead:   overhead,
		maxGas:     DefaultMaxGas,
		log:        logger.Named("metatx"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Forwarder returns the forwarder address used on chain.
func (r *Relayer) Forwarder(chain web3.Chain) (common.Address, error) {
	if addr, ok := r.forwarders[chain.Name()]; ok {
		return addr, nil
	}
	if addr := chain.Forwarder(); addr != (common.Address{}) {
		return addr, nil
	}
	return common.Address{}, xerrors.New(CodeNoForwarder, "链 "+chain.Name()+" 未配置 forwarder")
}

// Check verifies the signature, the forwarder nonce and the target without
// sending anything.
func (r *Relayer) Check(ctx context.Context, chain web3.Chain, req ForwardRequest, sig []byte) (common.Address, error) {
	if req.ValueInt().Sign() != 0 {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "代付交易不支持附带 value")
	}
	if _, err := r.gasLimit(req); err != nil {
		return common.Address{}, err
	}
	forwarder, err := r.Forwarder(chain)
	if err != nil {
		return common.Address{}, err
	}
	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	if err := Verify(req, sig, Domain{ChainID: chainID, VerifyingContract: forwarder}); err != nil {
		return common.Address{}, err
	}

	onchain, err := r.nonce(ctx, chain, forwarder, req.From)
	if err != nil {
		return common.Address{}, err
	}
	if onchain.Cmp(req.NonceInt()) != 0 {
		return common.Address{}, xerrors.New(CodeNonceMismatch, "forwarder nonce 不一致",
			xerrors.WithMetadata("expected", onchain.String()),
			xerrors.WithMetadata("got", req.NonceInt().String()),
		)
	}
	if !r.targets.IsAllowed(req.To) {
		return common.Address{}, xerrors.New(CodeTargetNotAllowed, "目标合约不在允许列表中",
			xerrors.WithMetadata("to", req.To.Hex()))
	}
	return forwarder, nil
}

// Relay checks req and submits execute(req, sig) to the forwarder.
func (r *Relayer) Relay(ctx context.Context, chain web3.Chain, req ForwardRequest, sig []byte) (signer.Sent, error) {
	forwarder, err := r.Check(ctx, chain, req, sig)
	if err != nil {
		return signer.Sent{}, err
	}
	data, err := contracts.PackExecute(req.Contract(), contractSignature(sig))
	if err != nil {
		return signer.Sent{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 execute 调用失败")
	}
	gas, err := r.gasLimit(req)
	if err != nil {
		return signer.Sent{}, err
	}
	sent, err := r.sender.Send(ctx, chain, forwarder, req.ValueInt(), data, signer.WithGasLimit(gas))
	if err != nil {
		return signer.Sent{}, err
	}
	r.log.Info("meta-transaction 已转发",
		slog.String("chain", chain.Name()),
		slog.String("from", req.From.Hex()),
		slog.String("to", req.To.Hex()),
		slog.String("tx_hash", sent.Hash.Hex()),
	)
	return sent, nil
}

// gasLimit 返回请求 gas 加上 forwarder 开销，gas 必须为正且不超过上限。
func (r *Relayer) gasLimit(req ForwardRequest) (uint64, error) {
	gas := req.GasInt()
	if gas.Sign() <= 0 || !gas.IsUint64() || gas.Uint64() > r.maxGas {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "代付交易 gas 超出允许范围",
			xerrors.WithMetadata("gas", gas.String()),
			xerrors.WithMetadata("max_gas", strconv.FormatUint(r.maxGas, 10)),
		)
	}
	total, overflow := math.SafeAdd(gas.Uint64(), r.overhead)
	if overflow {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "代付交易 gas 溢出",
			xerrors.WithMetadata("gas", gas.String()))
	}
	return total, nil
}

func (r *Relayer) nonce(ctx context.Context, chain web3.Chain, forwarder, from common.Address) (*big.Int, error) {
	call, err := contracts.PackGetNonce(from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 getNonce 失败")
	}
	out, err := chain.Backend().CallContract(ctx, gethcore.CallMsg{To: &forwarder, Data: call}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 forwarder nonce 失败")
	}
	nonce, err := contracts.UnpackNonce(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析 forwarder nonce 失败")
	}
	return nonce, nil
}
