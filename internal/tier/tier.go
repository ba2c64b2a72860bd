// Package tier holds the decision tables that map sale windows, reward scores
// and webhook payloads to collection tiers.
package tier

import (
	"net/http"
	"strings"
	"time"

	"superdao-relay/internal/catalog"
	xerrors "superdao-relay/internal/errors"
)

// SaleStatus is the availability of a tier for a given wallet.
type SaleStatus string

const (
	NotForSale             SaleStatus = "not_for_sale"
	SoldOut                SaleStatus = "sold_out"
	PublicSale             SaleStatus = "public_sale"
	PrivateSale            SaleStatus = "private_sale"
	PrivateSaleNotEligible SaleStatus = "private_sale_not_eligible"
	Upcoming               SaleStatus = "upcoming"
	Ended                  SaleStatus = "ended"
)

// CodeTierNotResolved 表示 webhook 无法映射到任何 tier。
const CodeTierNotResolved xerrors.Code = "TIER_NOT_RESOLVED"

func init() {
	xerrors.Register(CodeTierNotResolved, xerrors.Attributes{
		Message:    "no tier matches the reward payload",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

// GetTierSaleStatus evaluates the sale status of tierID at now. whitelisted
// reports whether the caller's wallet is on the DAO whitelist for the tier.
func GetTierSaleStatus(dao catalog.DAO, tierID string, whitelisted bool, now time.Time) SaleStatus {
	t, ok := dao.Tier(tierID)
	if !ok || t.Deactivated {
		return NotForSale
	}
	if t.MaxAmount > 0 && t.TotalAmount >= t.MaxAmount {
		return SoldOut
	}
	if open(dao.PublicSale, tierID, now) {
		return PublicSale
	}
	if open(dao.PrivateSale, tierID, now) {
		if whitelisted {
			return PrivateSale
		}
		return PrivateSaleNotEligible
	}

	sales := []catalog.Sale{dao.PublicSale, dao.PrivateSale}
	for _, s := range sales {
		if offers(s, tierID) && s.StartAt != nil && now.Before(*s.StartAt) {
			return Upcoming
		}
	}
	for _, s := range sales {
		if offers(s, tierID) && s.EndAt != nil && !now.Before(*s.EndAt) {
			return Ended
		}
	}
	return NotForSale
}

func offers(s catalog.Sale, tierID string) bool {
	return s.Active && s.Prices(tierID)
}

func open(s catalog.Sale, tierID string, now time.Time) bool {
	if !offers(s, tierID) {
		return false
	}
	if s.StartAt != nil && now.Before(*s.StartAt) {
		return false
	}
	if s.EndAt != nil && !now.Before(*s.EndAt) {
		return false
	}
	return true
}

// GetRewardTierID picks the reward tier for a score from source: the rule
// with the highest MinScore not above score. Ties go to the earliest rule.
func GetRewardTierID(dao catalog.DAO, source string, score float64) (string, bool) {
	var (
		best  catalog.RewardRule
		found bool
	)
	for _, rule := range dao.RewardRules {
		if !strings.EqualFold(strings.TrimSpace(rule.Source), strings.TrimSpace(source)) {
			continue
		}
		if rule.MinScore > score {
			continue
		}
		if !found || rule.MinScore > best.MinScore {
			best, found = rule, true
		}
	}
	if !found {
		return "", false
	}
	return best.Tier, true
}

// WebhookPayload is the part of a reward webhook used to choose a tier.
type WebhookPayload struct {
	Source string
	Key    string
	Tier   string
	Score  *float64
}

// MapWebhookTier resolves the tier a reward webhook refers to: an explicit
// existing tier first, then an exact (source, key) mapping, then the score
// rules.
func MapWebhookTier(dao catalog.DAO, payload WebhookPayload) (string, error) {
	if explicit := strings.TrimSpace(payload.Tier); explicit != "" {
		if _, ok := dao.Tier(explicit); ok {
			return explicit, nil
		}
	}
	if key := strings.TrimSpace(payload.Key); key != "" {
		for _, m := range dao.WebhookMappings {
			if strings.EqualFold(m.Source, payload.Source) && m.Key == key {
				return m.Tier, nil
			}
		}
	}
	if payload.Score != nil {
		if id, ok := GetRewardTierID(dao, payload.Source, *payload.Score); ok {
			return id, nil
		}
	}
	return "", xerrors.New(CodeTierNotResolved, "无法根据 webhook 内容确定 tier",
		xerrors.WithMetadata("dao", dao.ID),
		xerrors.WithMetadata("source", payload.Source),
	)
}
