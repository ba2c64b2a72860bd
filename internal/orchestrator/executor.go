// Package orchestrator turns queued jobs into relayer transactions: tier
// mints, batched airdrops and forwarded meta-transactions.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"superdao-relay/internal/catalog"
	"superdao-relay/internal/contracts"
	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/job"
	"superdao-relay/internal/metatx"
	"superdao-relay/internal/tier"
	"superdao-relay/internal/web3"
	"superdao-relay/internal/web3/signer"
	"superdao-relay/pkg/logger"
)

const (
	// CodeTierUnavailable 表示 tier 当前不可铸造。
	CodeTierUnavailable xerrors.Code = "ORCH_TIER_UNAVAILABLE"
	// CodeTxReverted 表示交易已上链但执行失败。
	CodeTxReverted xerrors.Code = "CHAIN_TX_REVERTED"
	// CodeAirdropPartial 表示空投只完成了部分批次。
	CodeAirdropPartial xerrors.Code = "ORCH_AIRDROP_PARTIAL"
)

func init() {
	xerrors.Register(CodeTierUnavailable, xerrors.Attributes{
		Message:    "tier is not available for minting",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeTxReverted, xerrors.Attributes{
		Message:  "transaction reverted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeAirdropPartial, xerrors.Attributes{
		Message:  "airdrop stopped after a partial send",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// MetaTxPayload 是 meta_tx 任务的 payload。
type MetaTxPayload struct {
	Request   metatx.ForwardRequest `json:"request"`
	Signature hexutil.Bytes         `json:"signature"`
}

// ChainResolver 按名称查找链，空名称表示默认链。
type ChainResolver interface {
	Chain(name string) (web3.Chain, error)
}

// WhitelistChecker 判断钱包是否在 DAO 白名单中。
type WhitelistChecker interface {
	IsWhitelisted(ctx context.Context, daoID, wallet, tierID string) (bool, error)
}

// MetaRelayer 提交 meta-transaction。
type MetaRelayer interface {
	Relay(ctx context.Context, chain web3.Chain, req metatx.ForwardRequest, sig []byte) (signer.Sent, error)
}

// Executor 实现 job.Executor。
type Executor struct {
	chains         ChainResolver
	catalog        *catalog.Catalog
	sender         metatx.Transactor
	relayer        MetaRelayer
	whitelist      WhitelistChecker
	waitReceipt    bool
	receiptTimeout time.Duration
	batchSize      int
	now            func() time.Time
	log            *slog.Logger
}

// Option 配置 Executor。
type Option func(*Executor)

// WithReceipts 开启回执等待。
func WithReceipts(wait bool, timeout time.Duration) Option {
	return func(e *Executor) {
		e.waitReceipt = wait
		if timeout > 0 {
			e.receiptTimeout = timeout
		}
	}
}

// WithBatchSize 设置单笔空投交易的最大接收者数量。
func WithBatchSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithWhitelist 配置私售资格检查。
func WithWhitelist(w WhitelistChecker) Option {
	return func(e *Executor) {
		e.whitelist = w
	}
}

// WithRelayer 配置 meta-transaction 中继。
func WithRelayer(r MetaRelayer) Option {
	return func(e *Executor) {
		e.relayer = r
	}
}

// NewExecutor 构造任务执行器。
func NewExecutor(chains ChainResolver, cat *catalog.Catalog, sender metatx.Transactor, opts ...Option) *Executor {
	e := &Executor{
		chains:         chains,
		catalog:        cat,
		sender:         sender,
		receiptTimeout: 2 * time.Minute,
		batchSize:      100,
		now:            time.Now,
		log:            logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 根据任务类型执行对应的链上操作。
func (e *Executor) Execute(ctx context.Context, j *job.Job) (*job.Result, error) {
	switch j.Kind {
	case job.KindMint:
		return e.mint(ctx, j)
	case job.KindAirdrop:
		return e.airdrop(ctx, j)
	case job.KindMetaTx:
		return e.metaTx(ctx, j)
	default:
		return nil, invalid("不支持的任务类型: %s", j.Kind)
	}
}

func (e *Executor) mint(ctx context.Context, j *job.Job) (*job.Result, error) {
	var payload job.MintPayload
	if err := j.DecodePayload(&payload); err != nil {
		return nil, err
	}
	dao, err := e.dao(j.DAOID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(payload.Recipient) {
		return nil, invalid("接收地址无效: %s", payload.Recipient)
	}
	recipient := common.HexToAddress(payload.Recipient)
	if err := e.checkMintable(ctx, dao, payload.Tier, recipient, payload.IsAdmin, 1); err != nil {
		return nil, err
	}
	chain, err := e.chain(j, dao)
	if err != nil {
		return nil, err
	}
	chainID, err := e.chainID(ctx, chain)
	if err != nil {
		return nil, err
	}
	data, err := contracts.PackMint(recipient, payload.Tier)
	if err != nil {
		return nil, invalid("编码 mint 调用失败: %v", err)
	}

	if !e.catalog.Reserve(dao.ID, payload.Tier, 1) {
		return nil, unavailable(dao.ID, payload.Tier, tier.SoldOut)
	}
	sent, err := e.send(ctx, chain, dao.Collection(), data)
	if err != nil {
		e.catalog.Release(dao.ID, payload.Tier, 1)
		return nil, err
	}
	result, err := e.finish(ctx, chain, chainID, sent.Hash)
	if err != nil {
		if xerrors.CodeOf(err) == CodeTxReverted {
			e.catalog.Release(dao.ID, payload.Tier, 1)
		}
		return nil, err
	}
	e.log.Info("铸造完成",
		slog.String("job_id", j.ID),
		slog.String("dao", dao.ID),
		slog.String("tier", payload.Tier),
		slog.String("recipient", recipient.Hex()),
		slog.String("tx_hash", sent.Hash.Hex()),
	)
	return result, nil
}

func (e *Executor) airdrop(ctx context.Context, j *job.Job) (*job.Result, error) {
	var payload job.AirdropPayload
	if err := j.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if len(payload.Items) == 0 {
		return nil, invalid("空投名单为空")
	}
	dao, err := e.dao(j.DAOID)
	if err != nil {
		return nil, err
	}

	recipients := make([]common.Address, 0, len(payload.Items))
	tiers := make([]string, 0, len(payload.Items))
	for _, item := range payload.Items {
		if !common.IsHexAddress(item.Wallet) {
			return nil, invalid("空投地址无效: %s", item.Wallet)
		}
		recipients = append(recipients, common.HexToAddress(item.Wallet))
		tiers = append(tiers, item.Tier)
	}
	perTier := countTiers(tiers)
	for tierID, n := range perTier {
		if err := e.checkMintable(ctx, dao, tierID, common.Address{}, true, n); err != nil {
			return nil, err
		}
	}
	chain, err := e.chain(j, dao)
	if err != nil {
		return nil, err
	}
	chainID, err := e.chainID(ctx, chain)
	if err != nil {
		return nil, err
	}

	reserved := make([]string, 0, len(perTier))
	for tierID, n := range perTier {
		if !e.catalog.Reserve(dao.ID, tierID, n) {
			for _, id := range reserved {
				e.catalog.Release(dao.ID, id, perTier[id])
			}
			return nil, unavailable(dao.ID, tierID, tier.SoldOut)
		}
		reserved = append(reserved, tierID)
	}

	var (
		hashes []string
		last   *job.Result
	)
	for start := 0; start < len(recipients); start += e.batchSize {
		end := start + e.batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		data, err := contracts.PackAirdrop(recipients[start:end], tiers[start:end])
		if err != nil {
			e.release(dao.ID, tiers[start:])
			return nil, invalid("编码 airdrop 调用失败: %v", err)
		}
		sentUpTo := start
		sent, err := e.send(ctx, chain, dao.Collection(), data)
		if err == nil {
			hashes = append(hashes, sent.Hash.Hex())
			last, err = e.finish(ctx, chain, chainID, sent.Hash)
			if xerrors.CodeOf(err) != CodeTxReverted {
				sentUpTo = end
			}
		}
		if err != nil {
			// 未上链的批次归还额度，回执未知的批次按已铸造计。
			e.release(dao.ID, tiers[sentUpTo:])
			if start == 0 {
				return nil, err
			}
			// 已有批次上链，重试会重复空投。
			return nil, xerrors.Wrap(CodeAirdropPartial, err,
				fmt.Sprintf("空投在第 %d/%d 个接收者处中断", start, len(recipients)),
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("tx_hashes", strings.Join(hashes, ",")),
			)
		}
	}

	last.Note = strings.Join(hashes, ",")
	e.log.Info("空投完成",
		slog.String("job_id", j.ID),
		slog.String("dao", dao.ID),
		slog.Int("recipients", len(recipients)),
		slog.Int("batches", len(hashes)),
	)
	return last, nil
}

func (e *Executor) metaTx(ctx context.Context, j *job.Job) (*job.Result, error) {
	if e.relayer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 meta-transaction 中继")
	}
	var payload MetaTxPayload
	if err := j.DecodePayload(&payload); err != nil {
		return nil, err
	}
	chain, err := e.chains.Chain(j.Chain)
	if err != nil {
		return nil, invalid("%v", err)
	}
	chainID, err := e.chainID(ctx, chain)
	if err != nil {
		return nil, err
	}
	if err := job.BeforeSend(ctx); err != nil {
		return nil, err
	}
	sent, err := e.relayer.Relay(ctx, chain, payload.Request, payload.Signature)
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, chain, chainID, sent.Hash)
}

// checkMintable 检查 tier 是否允许铸造 n 个。管理员铸造跳过销售窗口检查。
func (e *Executor) checkMintable(ctx context.Context, dao catalog.DAO, tierID string, recipient common.Address, isAdmin bool, n int64) error {
	t, ok := dao.Tier(tierID)
	if !ok || t.Deactivated {
		return unavailable(dao.ID, tierID, tier.NotForSale)
	}
	if t.MaxAmount > 0 && t.TotalAmount+n > t.MaxAmount {
		return unavailable(dao.ID, tierID, tier.SoldOut)
	}
	if isAdmin {
		return nil
	}
	whitelisted := false
	if e.whitelist != nil {
		var err error
		whitelisted, err = e.whitelist.IsWhitelisted(ctx, dao.ID, recipient.Hex(), tierID)
		if err != nil {
			return err
		}
	}
	switch status := tier.GetTierSaleStatus(dao, tierID, whitelisted, e.now()); status {
	case tier.PublicSale, tier.PrivateSale:
		return nil
	default:
		return unavailable(dao.ID, tierID, status)
	}
}

// send 在广播前通知任务处理器落库发送标记。
func (e *Executor) send(ctx context.Context, chain web3.Chain, to common.Address, data []byte) (signer.Sent, error) {
	if err := job.BeforeSend(ctx); err != nil {
		return signer.Sent{}, err
	}
	return e.sender.Send(ctx, chain, to, new(big.Int), data)
}

// chainID 必须在发送前解析，发送后的失败都不可重试。
func (e *Executor) chainID(ctx context.Context, chain web3.Chain) (*big.Int, error) {
	id, err := chain.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	return id, nil
}

// finish 组装结果，开启回执等待时确认交易执行成功。
func (e *Executor) finish(ctx context.Context, chain web3.Chain, chainID *big.Int, hash common.Hash) (*job.Result, error) {
	result := &job.Result{TxHash: hash.Hex(), ChainID: chainID.String()}
	if !e.waitReceipt {
		return result, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()
	receipt, err := chain.WaitReceipt(waitCtx, hash)
	if err != nil {
		// 交易已广播，重试会重复发送。
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待交易回执失败",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("tx_hash", hash.Hex()),
		)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, xerrors.New(CodeTxReverted, fmt.Sprintf("交易 %s 执行失败", hash.Hex()),
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("tx_hash", hash.Hex()),
		)
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

func (e *Executor) dao(id string) (catalog.DAO, error) {
	dao, ok := e.catalog.DAO(id)
	if !ok {
		return catalog.DAO{}, xerrors.New(xerrors.CodeNotFound, "未知的 DAO: "+id, xerrors.WithRetryable(false))
	}
	return dao, nil
}

func (e *Executor) chain(j *job.Job, dao catalog.DAO) (web3.Chain, error) {
	name := j.Chain
	if name == "" {
		name = dao.Chain
	}
	chain, err := e.chains.Chain(name)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return chain, nil
}

func invalid(format string, args ...any) error {
	return xerrors.New(job.CodeJobValidation, fmt.Sprintf(format, args...), xerrors.WithRetryable(false))
}

func unavailable(daoID, tierID string, status tier.SaleStatus) error {
	return xerrors.New(CodeTierUnavailable, fmt.Sprintf("tier %s 当前不可铸造: %s", tierID, status),
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("dao", daoID),
		xerrors.WithMetadata("status", string(status)),
	)
}

func (e *Executor) release(daoID string, tiers []string) {
	for tierID, n := range countTiers(tiers) {
		e.catalog.Release(daoID, tierID, n)
	}
}

func countTiers(tiers []string) map[string]int64 {
	out := make(map[string]int64)
	for _, t := range tiers {
		out[t]++
	}
	return out
}

var _ job.Executor = (*Executor)(nil)
