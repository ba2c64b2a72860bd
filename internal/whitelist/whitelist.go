// Package whitelist stores the wallets allowed to claim during a DAO's
// private sale.
package whitelist

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "superdao-relay/internal/errors"
)

// Status 表示白名单条目是否生效。
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

const (
	CodeEntryNotFound xerrors.Code = "WHITELIST_NOT_FOUND"
	CodeInvalidWallet xerrors.Code = "WHITELIST_INVALID_WALLET"
)

var ErrEntryNotFound = xerrors.New(CodeEntryNotFound, "whitelist entry not found")

func init() {
	xerrors.Register(CodeEntryNotFound, xerrors.Attributes{
		Message:    "whitelist entry not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInvalidWallet, xerrors.Attributes{
		Message:    "invalid wallet address",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// Entry 描述 DAO 白名单中的一个钱包。
type Entry struct {
	DAOID     string    `json:"daoId"`
	Wallet    string    `json:"walletAddress"`
	Tiers     []string  `json:"tiers"`
	Email     string    `json:"email,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Covers reports whether the entry admits tierID. An empty tier list admits
// every tier.
func (e Entry) Covers(tierID string) bool {
	if e.Status == StatusDisabled {
		return false
	}
	if len(e.Tiers) == 0 {
		return true
	}
	for _, t := range e.Tiers {
		if t == tierID {
			return true
		}
	}
	return false
}

func (e Entry) clone() Entry {
	e.Tiers = append([]string(nil), e.Tiers...)
	return e
}

// Store 定义白名单持久化接口。
type Store interface {
	Add(ctx context.Context, entry Entry) (Entry, error)
	Remove(ctx context.Context, daoID, wallet string) error
	Get(ctx context.Context, daoID, wallet string) (Entry, error)
	List(ctx context.Context, daoID string, limit, offset int) ([]Entry, error)
	IsWhitelisted(ctx context.Context, daoID, wallet, tierID string) (bool, error)
}

// NormalizeWallet validates a hex address and returns its checksummed form.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return "", xerrors.New(CodeInvalidWallet, "钱包地址无效: "+wallet)
	}
	return common.HexToAddress(wallet).Hex(), nil
}

// prepare validates entry and fills defaults before it is stored.
func prepare(entry Entry, now time.Time) (Entry, error) {
	entry.DAOID = strings.TrimSpace(entry.DAOID)
	if entry.DAOID == "" {
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, "DAO ID 不能为空")
	}
	wallet, err := NormalizeWallet(entry.Wallet)
	if err != nil {
		return Entry{}, err
	}
	entry.Wallet = wallet
	switch entry.Status {
	case "":
		entry.Status = StatusEnabled
	case StatusEnabled, StatusDisabled:
	default:
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的白名单状态: "+string(entry.Status))
	}
	tiers := make([]string, 0, len(entry.Tiers))
	seen := make(map[string]struct{}, len(entry.Tiers))
	for _, t := range entry.Tiers {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tiers = append(tiers, t)
	}
	entry.Tiers = tiers
	entry.Email = strings.TrimSpace(entry.Email)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC().Truncate(time.Second)
	}
	return entry, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
