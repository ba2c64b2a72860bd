package fee

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/web3"
	"superdao-relay/pkg/logger"
)

// Observer is notified of the source every fee estimate was served from.
type Observer func(chain string, source Source)

// Option customises an Oracle.
type Option func(*Oracle)

// WithCache replaces the default in-memory cache.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(o *Oracle) {
		if cache != nil {
			o.cache = cache
		}
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithSpeed selects the gas station band.
func WithSpeed(speed Speed) Option {
	return func(o *Oracle) {
		if speed != "" {
			o.speed = speed
		}
	}
}

// WithHTTPClient sets the client used for gas station requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Oracle) {
		if client != nil {
			o.http = client
		}
	}
}

// WithMaxRetries bounds gas station retries.
func WithMaxRetries(n uint64) Option {
	return func(o *Oracle) {
		o.maxRetries = n
	}
}

// WithFallback overrides the hardcoded default fees.
func WithFallback(f Fees) Option {
	return func(o *Oracle) {
		f.Source = SourceFallback
		o.fallback = f.clamp()
	}
}

// WithGasLimits configures EstimateGas.
func WithGasLimits(multiplier float64, defaultLimit uint64) Option {
	return func(o *Oracle) {
		if multiplier > 0 {
			o.multiplier = multiplier
		}
		if defaultLimit > 0 {
			o.defaultGas = defaultLimit
		}
	}
}

// WithObserver registers a source observer, typically a metrics counter.
func WithObserver(obs Observer) Option {
	return func(o *Oracle) {
		o.observer = obs
	}
}

// Oracle resolves fees per chain.
type Oracle struct {
	cache      Cache
	ttl        time.Duration
	speed      Speed
	http       *http.Client
	maxRetries uint64
	fallback   Fees
	multiplier float64
	defaultGas uint64
	observer   Observer
	log        *slog.Logger

	mu       sync.Mutex
	stations map[string]*GasStationClient
}

// NewOracle builds an Oracle with sensible defaults.
func NewOracle(opts ...Option) *Oracle {
	o := &Oracle{
		cache:      NewMemoryCache(),
		ttl:        15 * time.Second,
		speed:      SpeedFast,
		http:       &http.Client{Timeout: 5 * time.Second},
		maxRetries: 2,
		fallback:   DefaultFallback(),
		multiplier: 1.2,
		defaultGas: 500_000,
		log:        logger.Named("fee"),
		stations:   make(map[string]*GasStationClient),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Fees returns cached fees for chain, refreshing them when the cache is cold.
// It never fails for chain errors: when no source answers the fallback fees
// are returned.
func (o *Oracle) Fees(ctx context.Context, chain web3.Chain) (Fees, error) {
	if chain == nil {
		return Fees{}, xerrors.New(xerrors.CodeInvalidArgument, "未指定链")
	}
	cached, ok, err := o.cache.Get(ctx, chain.Name())
	if err != nil {
		o.log.Warn("读取费用缓存失败", slog.String("chain", chain.Name()), slog.Any("error", err))
	}
	if ok {
		return cached, nil
	}
	return o.Refresh(ctx, chain)
}

// Refresh bypasses the cache, resolves fresh fees and stores them.
func (o *Oracle) Refresh(ctx context.Context, chain web3.Chain) (Fees, error) {
	if chain == nil {
		return Fees{}, xerrors.New(xerrors.CodeInvalidArgument, "未指定链")
	}
	fees := o.resolve(ctx, chain)
	fees.FetchedAt = time.Now().UTC()
	if o.observer != nil {
		o.observer(chain.Name(), fees.Source)
	}
	// 兜底值不写缓存，下次请求重新尝试真实来源。
	if fees.Source != SourceFallback {
		if err := o.cache.Set(ctx, chain.Name(), fees, o.ttl); err != nil {
			o.log.Warn("写入费用缓存失败", slog.String("chain", chain.Name()), slog.Any("error", err))
		}
	}
	return fees.Copy(), nil
}

func (o *Oracle) resolve(ctx context.Context, chain web3.Chain) Fees {
	var stationErr error
	if url := strings.TrimSpace(chain.GasStationURL()); url != "" {
		resp, err := o.station(url).Fetch(ctx)
		if err == nil {
			fees, convErr := resp.Fees(o.speed)
			if convErr == nil {
				return fees
			}
			err = convErr
		}
		stationErr = err
		o.log.Warn("gas station 不可用，改用节点费用", slog.String("chain", chain.Name()), slog.Any("error", err))
	}

	fees, err := o.fromNode(ctx, chain.Backend())
	if err == nil {
		return fees
	}

	fallback := o.fallback.Copy()
	attrs := []any{
		slog.String("chain", chain.Name()),
		slog.Any("error", errors.Join(stationErr, err)),
		slog.String("max_fee", fallback.MaxFeePerGas.String()),
		slog.String("max_priority_fee", fallback.MaxPriorityFeePerGas.String()),
	}
	o.log.Warn("费用查询失败，使用默认值", attrs...)
	logger.Audit().Warn("fee_fallback", attrs...)
	return fallback
}

func (o *Oracle) station(url string) *GasStationClient {
	o.mu.Lock()
	defer o.mu.Unlock()
	client, ok := o.stations[url]
	if !ok {
		client = NewGasStationClient(url, o.http, o.maxRetries)
		o.stations[url] = client
	}
	return client
}

func (o *Oracle) fromNode(ctx context.Context, backend web3.Backend) (Fees, error) {
	if backend == nil {
		return Fees{}, xerrors.New(CodeNodeFeeFailure, "链缺少 RPC 后端")
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, xerrors.Wrap(CodeNodeFeeFailure, err, "获取最新区块失败")
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return Fees{}, xerrors.Wrap(CodeNodeFeeFailure, err, "获取 gas price 失败")
	}
	if head.BaseFee == nil {
		// 非 EIP-1559 链，三个字段统一使用 gas price。
		return Fees{
			MaxFeePerGas:         new(big.Int).Set(gasPrice),
			MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
			GasPrice:             gasPrice,
			Source:               SourceNode,
		}, nil
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, xerrors.Wrap(CodeNodeFeeFailure, err, "获取 priority fee 失败")
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return Fees{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		GasPrice:             gasPrice,
		Source:               SourceNode,
	}.clamp(), nil
}

// EstimateGas asks the node for a gas estimate and pads it by the configured
// multiplier. On failure it returns the default gas limit and false.
func (o *Oracle) EstimateGas(ctx context.Context, backend web3.Backend, msg gethcore.CallMsg) (uint64, bool) {
	if backend == nil {
		return o.defaultGas, false
	}
	estimate, err := backend.EstimateGas(ctx, msg)
	if err != nil || estimate == 0 {
		attrs := []any{slog.Uint64("gas_limit", o.defaultGas), slog.Any("error", err)}
		if msg.To != nil {
			attrs = append(attrs, slog.String("to", msg.To.Hex()))
		}
		o.log.Warn("估算 gas 失败，使用默认上限", attrs...)
		return o.defaultGas, false
	}
	padded := math.Ceil(float64(estimate) * o.multiplier)
	if padded >= math.MaxUint64 {
		return math.MaxUint64, true
	}
	return uint64(padded), true
}
