// Package reward turns partner webhooks into tier mints for the reward owner.
package reward

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"superdao-relay/internal/catalog"
	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/job"
	"superdao-relay/internal/tier"
	"superdao-relay/pkg/logger"
)

// CodeDAONotFound 表示 webhook 中的合约地址不属于任何 DAO。
const CodeDAONotFound xerrors.Code = "REWARD_DAO_NOT_FOUND"

func init() {
	xerrors.Register(CodeDAONotFound, xerrors.Attributes{
		Message:    "no DAO uses this collection address",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// Request 是 /api/send-nft-reward 的请求体。
type Request struct {
	DAOAddress    string   `json:"daoAddress"`
	WalletAddress string   `json:"walletAddress"`
	Source        string   `json:"source"`
	Key           string   `json:"key,omitempty"`
	Tier          string   `json:"tier,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	RequestID     string   `json:"requestId,omitempty"`
}

// Response 是受理后的返回。
type Response struct {
	JobID  string `json:"jobId"`
	TierID string `json:"tierId"`
}

// Submitter 提交链上任务。
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
}

// Service 处理奖励 webhook。
type Service struct {
	catalog *catalog.Catalog
	jobs    Submitter
}

// NewService 构造奖励服务。
func NewService(cat *catalog.Catalog, jobs Submitter) *Service {
	return &Service{catalog: cat, jobs: jobs}
}

// Handle 解析 DAO 与 tier，并提交一次管理员铸造。带 requestId 的重复请求返回同一个任务。
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	if !common.IsHexAddress(strings.TrimSpace(req.WalletAddress)) {
		return Response{}, xerrors.New(xerrors.CodeInvalidArgument, "walletAddress 无效")
	}
	if strings.TrimSpace(req.Source) == "" {
		return Response{}, xerrors.New(xerrors.CodeInvalidArgument, "source 不能为空")
	}
	dao, ok := s.catalog.DAOByCollection(strings.TrimSpace(req.DAOAddress))
	if !ok {
		return Response{}, xerrors.New(CodeDAONotFound, "未找到合约地址对应的 DAO: "+req.DAOAddress)
	}
	tierID, err := tier.MapWebhookTier(dao, tier.WebhookPayload{
		Source: req.Source,
		Key:    req.Key,
		Tier:   req.Tier,
		Score:  req.Score,
	})
	if err != nil {
		return Response{}, err
	}

	var jobID string
	if id := strings.TrimSpace(req.RequestID); id != "" {
		jobID = "reward:" + id
	}
	recipient := common.HexToAddress(strings.TrimSpace(req.WalletAddress))
	submitted, err := s.jobs.Submit(ctx, job.Request{
		ID:    jobID,
		Kind:  job.KindMint,
		Chain: dao.Chain,
		DAOID: dao.ID,
		Payload: job.MintPayload{
			Recipient: recipient.Hex(),
			Tier:      tierID,
			IsAdmin:   true,
		},
	})
	if err != nil {
		return Response{}, err
	}

	logger.Audit().Info("奖励铸造已受理",
		slog.String("job_id", submitted.ID),
		slog.String("dao_id", dao.ID),
		slog.String("tier", tierID),
		slog.String("wallet", recipient.Hex()),
		slog.String("source", req.Source),
	)
	return Response{JobID: submitted.ID, TierID: tierID}, nil
}
