package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"superdao-relay/internal/auth"
	"superdao-relay/internal/catalog"
	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/job"
	"superdao-relay/internal/metatx"
	"superdao-relay/internal/orchestrator"
	"superdao-relay/internal/reward"
	"superdao-relay/internal/tier"
	"superdao-relay/internal/whitelist"
	"superdao-relay/pkg/logger"
)

var errNotConfigured = xerrors.New(xerrors.CodeInitializationFailure, "服务未启用该接口", xerrors.WithAlert(false))

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	if err := s.webhook.admit(r); err != nil {
		writeError(w, r, err)
		return
	}
	if s.rewards == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	var req reward.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.rewards.Handle(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGas(w http.ResponseWriter, r *http.Request) {
	if s.chains == nil || s.fees == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	chain, err := s.chains.Chain(chi.URLParam(r, "chain"))
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeNotFound, err, "未知的链"))
		return
	}
	fees, err := s.fees.Fees(r.Context(), chain)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain":                chain.Name(),
		"maxFeePerGas":         fees.MaxFeePerGas.String(),
		"maxPriorityFeePerGas": fees.MaxPriorityFeePerGas.String(),
		"gasPrice":             fees.GasPrice.String(),
		"source":               fees.Source,
	})
}

func (s *Server) lookupDAO(r *http.Request) (catalog.DAO, error) {
	if s.catalog == nil {
		return catalog.DAO{}, errNotConfigured
	}
	id := chi.URLParam(r, "dao")
	dao, ok := s.catalog.DAO(id)
	if !ok {
		return catalog.DAO{}, xerrors.New(xerrors.CodeNotFound, "DAO 不存在: "+id)
	}
	return dao, nil
}

func (s *Server) handleSaleStatus(w http.ResponseWriter, r *http.Request) {
	dao, err := s.lookupDAO(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tierID := chi.URLParam(r, "tier")
	whitelisted := false
	if wallet := strings.TrimSpace(r.URL.Query().Get("wallet")); wallet != "" && s.whitelist != nil {
		normalized, err := whitelist.NormalizeWallet(wallet)
		if err != nil {
			writeError(w, r, err)
			return
		}
		whitelisted, err = s.whitelist.IsWhitelisted(r.Context(), dao.ID, normalized, tierID)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	status := tier.GetTierSaleStatus(dao, tierID, whitelisted, s.now())
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	dao, err := s.lookupDAO(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.metadata == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	t, ok := dao.Tier(chi.URLParam(r, "tier"))
	if !ok {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "tier 不存在"))
		return
	}
	doc, err := s.metadata.Build(dao, t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type whitelistBody struct {
	Tiers  []string         `json:"tiers"`
	Email  string           `json:"email"`
	Status whitelist.Status `json:"status"`
}

func (s *Server) handlePutWhitelist(w http.ResponseWriter, r *http.Request) {
	dao, err := s.lookupDAO(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.whitelist == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	var body whitelistBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	for _, t := range body.Tiers {
		if _, ok := dao.Tier(t); !ok {
			writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "tier 不存在: "+t))
			return
		}
	}
	entry, err := s.whitelist.Add(r.Context(), whitelist.Entry{
		DAOID:  dao.ID,
		Wallet: chi.URLParam(r, "wallet"),
		Tiers:  body.Tiers,
		Email:  body.Email,
		Status: body.Status,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Audit().Info("whitelist_added",
		slog.String("dao_id", dao.ID),
		slog.String("wallet", entry.Wallet),
		slog.Any("tiers", entry.Tiers),
		slog.String("actor", auth.Actor(r.Context())),
	)
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request) {
	dao, err := s.lookupDAO(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.whitelist == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	wallet, err := whitelist.NormalizeWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.whitelist.Remove(r.Context(), dao.ID, wallet); err != nil {
		writeError(w, r, err)
		return
	}
	logger.Audit().Info("whitelist_removed",
		slog.String("dao_id", dao.ID),
		slog.String("wallet", wallet),
		slog.String("actor", auth.Actor(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	dao, err := s.lookupDAO(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.whitelist == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.whitelist.List(r.Context(), dao.ID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type createJobBody struct {
	ID         string          `json:"id"`
	Kind       job.Kind        `json:"kind"`
	Chain      string          `json:"chain"`
	DAOID      string          `json:"daoId"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"maxRetries"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	var body createJobBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if len(body.Payload) == 0 {
		writeError(w, r, xerrors.New(job.CodeJobValidation, "任务 payload 不能为空"))
		return
	}
	if body.Kind != job.KindMetaTx && s.catalog != nil {
		dao, ok := s.catalog.DAO(body.DAOID)
		if !ok {
			writeError(w, r, xerrors.New(xerrors.CodeNotFound, "DAO 不存在: "+body.DAOID))
			return
		}
		if body.Chain == "" {
			body.Chain = dao.Chain
		}
	}
	created, err := s.jobs.Submit(r.Context(), job.Request{
		ID:         body.ID,
		Kind:       body.Kind,
		Chain:      body.Chain,
		DAOID:      body.DAOID,
		Payload:    body.Payload,
		MaxRetries: body.MaxRetries,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.Audit().Info("job_submitted",
		slog.String("job_id", created.ID),
		slog.String("kind", string(created.Kind)),
		slog.String("actor", auth.Actor(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	found, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	opts, err := jobFilters(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	opts, err := jobFilters(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type metaTxBody struct {
	Chain     string                `json:"chain"`
	Request   metatx.ForwardRequest `json:"request"`
	Signature hexutil.Bytes         `json:"signature"`
}

// handleMetaTx 同步校验签名与 nonce，通过后以 (链, from, nonce) 为幂等键入队。
func (s *Server) handleMetaTx(w http.ResponseWriter, r *http.Request) {
	if s.metatx == nil || s.chains == nil || s.jobs == nil {
		writeError(w, r, errNotConfigured)
		return
	}
	var body metaTxBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	chain, err := s.chains.Chain(body.Chain)
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeNotFound, err, "未知的链"))
		return
	}
	if _, err := s.metatx.Check(r.Context(), chain, body.Request, body.Signature); err != nil {
		writeError(w, r, err)
		return
	}
	id := fmt.Sprintf("metatx:%s:%s:%s", chain.Name(), body.Request.From.Hex(), body.Request.NonceInt().String())
	created, err := s.jobs.Submit(r.Context(), job.Request{
		ID:    id,
		Kind:  job.KindMetaTx,
		Chain: chain.Name(),
		Payload: orchestrator.MetaTxPayload{
			Request:   body.Request,
			Signature: body.Signature,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": created.ID})
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 0, 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "limit 无效")
		}
		limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, xerrors.New(xerrors.CodeInvalidArgument, "offset 无效")
		}
		offset = v
	}
	return limit, offset, nil
}

func jobFilters(r *http.Request) ([]job.ListOption, error) {
	limit, offset, err := pagination(r)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	opts := []job.ListOption{job.WithLimit(limit), job.WithOffset(offset)}
	if raw := q.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			st := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(st) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := q.Get("kind"); raw != "" {
		var kinds []job.Kind
		for _, part := range strings.Split(raw, ",") {
			k := job.Kind(strings.TrimSpace(part))
			if !job.IsValidKind(k) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务类型: "+part)
			}
			kinds = append(kinds, k)
		}
		opts = append(opts, job.WithKinds(kinds...))
	}
	if dao := strings.TrimSpace(q.Get("dao")); dao != "" {
		opts = append(opts, job.WithDAO(dao))
	}
	if raw := q.Get("updatedSince"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "updatedSince 需要 RFC3339 格式")
		}
		opts = append(opts, job.WithUpdatedSince(ts))
	}
	return opts, nil
}
