// Package catalog holds the DAO, tier and sale definitions the relayer acts
// on. The catalog is loaded from YAML at startup and keeps live mint counters
// in memory so supply checks see tokens minted since the file was written.
package catalog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DAO is an organisation together with its NFT collection.
type DAO struct {
	ID                string           `yaml:"id" json:"id"`
	Name              string           `yaml:"name" json:"name"`
	Description       string           `yaml:"description" json:"description,omitempty"`
	Chain             string           `yaml:"chain" json:"chain"`
	CollectionAddress string           `yaml:"collection_address" json:"collectionAddress"`
	Tiers             []Tier           `yaml:"tiers" json:"tiers"`
	PublicSale        Sale             `yaml:"public_sale" json:"publicSale"`
	PrivateSale       Sale             `yaml:"private_sale" json:"privateSale"`
	RewardRules       []RewardRule     `yaml:"reward_rules" json:"rewardRules,omitempty"`
	WebhookMappings   []WebhookMapping `yaml:"webhook_mappings" json:"webhookMappings,omitempty"`
}

// Tier is a named NFT class inside a collection.
type Tier struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	MaxAmount   int64    `yaml:"max_amount" json:"maxAmount"`
	TotalAmount int64    `yaml:"total_amount" json:"totalAmount"`
	Deactivated bool     `yaml:"deactivated" json:"deactivated"`
	Price       string   `yaml:"price" json:"price,omitempty"`
	Artworks    []string `yaml:"artworks" json:"artworks,omitempty"`
}

// Sale describes a public or private sale window.
type Sale struct {
	Active     bool              `yaml:"active" json:"active"`
	StartAt    *time.Time        `yaml:"start_at" json:"startAt,omitempty"`
	EndAt      *time.Time        `yaml:"end_at" json:"endAt,omitempty"`
	TierPrices map[string]string `yaml:"tier_prices" json:"tierPrices,omitempty"`
	TierLimits map[string]int    `yaml:"tier_limits" json:"tierLimits,omitempty"`
}

// Prices reports whether the sale lists tierID.
func (s Sale) Prices(tierID string) bool {
	_, ok := s.TierPrices[tierID]
	return ok
}

// RewardRule awards a tier once a score from source reaches MinScore.
type RewardRule struct {
	Source   string  `yaml:"source" json:"source"`
	MinScore float64 `yaml:"min_score" json:"minScore"`
	Tier     string  `yaml:"tier" json:"tier"`
}

// WebhookMapping maps an exact (source, key) pair to a tier.
type WebhookMapping struct {
	Source string `yaml:"source" json:"source"`
	Key    string `yaml:"key" json:"key"`
	Tier   string `yaml:"tier" json:"tier"`
}

// Tier returns the tier with the given id.
func (d *DAO) Tier(id string) (Tier, bool) {
	for _, t := range d.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// Collection returns the collection contract address.
func (d *DAO) Collection() common.Address {
	return common.HexToAddress(d.CollectionAddress)
}

type file struct {
	DAOs []DAO `yaml:"daos"`
}

// Catalog is a concurrency-safe, in-memory index of DAOs.
type Catalog struct {
	mu           sync.RWMutex
	byID         map[string]*DAO
	byCollection map[string]string
	order        []string
}

// Load parses the YAML catalog at path.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 DAO 目录失败: %w", err)
	}
	return Parse(content)
}

// Parse builds a catalog from YAML content.
func Parse(content []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("解析 DAO 目录失败: %w", err)
	}
	return New(f.DAOs)
}

// New validates daos and indexes them.
func New(daos []DAO) (*Catalog, error) {
	c := &Catalog{
		byID:         make(map[string]*DAO, len(daos)),
		byCollection: make(map[string]string, len(daos)),
	}
	for i := range daos {
		dao := daos[i]
		if err := validate(&dao); err != nil {
			return nil, err
		}
		if _, dup := c.byID[dao.ID]; dup {
			return nil, fmt.Errorf("DAO %s 重复定义", dao.ID)
		}
		key := strings.ToLower(dao.CollectionAddress)
		if other, dup := c.byCollection[key]; dup {
			return nil, fmt.Errorf("DAO %s 与 %s 使用了相同的合约地址", dao.ID, other)
		}
		c.byID[dao.ID] = &dao
		c.byCollection[key] = dao.ID
		c.order = append(c.order, dao.ID)
	}
	return c, nil
}

func validate(dao *DAO) error {
	dao.ID = strings.TrimSpace(dao.ID)
	if dao.ID == "" {
		return fmt.Errorf("DAO 缺少 id")
	}
	if !common.IsHexAddress(dao.CollectionAddress) {
		return fmt.Errorf("DAO %s 的合约地址无效: %q", dao.ID, dao.CollectionAddress)
	}
	dao.CollectionAddress = common.HexToAddress(dao.CollectionAddress).Hex()

	tiers := make(map[string]struct{}, len(dao.Tiers))
	for _, t := range dao.Tiers {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("DAO %s 存在缺少 id 的 tier", dao.ID)
		}
		if _, dup := tiers[t.ID]; dup {
			return fmt.Errorf("DAO %s 的 tier %s 重复定义", dao.ID, t.ID)
		}
		tiers[t.ID] = struct{}{}
	}
	for _, rule := range dao.RewardRules {
		if _, ok := tiers[rule.Tier]; !ok {
			return fmt.Errorf("DAO %s 的奖励规则引用了未知 tier %s", dao.ID, rule.Tier)
		}
	}
	for _, m := range dao.WebhookMappings {
		if _, ok := tiers[m.Tier]; !ok {
			return fmt.Errorf("DAO %s 的 webhook 映射引用了未知 tier %s", dao.ID, m.Tier)
		}
	}
	return nil
}

// DAO returns a copy of the DAO with the given id.
func (c *Catalog) DAO(id string) (DAO, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dao, ok := c.byID[id]
	if !ok {
		return DAO{}, false
	}
	return cloneDAO(dao), true
}

// DAOByCollection looks a DAO up by its collection address, ignoring case.
func (c *Catalog) DAOByCollection(address string) (DAO, bool) {
	c.mu.RLock()
	id, ok := c.byCollection[strings.ToLower(strings.TrimSpace(address))]
	c.mu.RUnlock()
	if !ok {
		return DAO{}, false
	}
	return c.DAO(id)
}

// Tier returns a tier of a DAO.
func (c *Catalog) Tier(daoID, tierID string) (Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dao, ok := c.byID[daoID]
	if !ok {
		return Tier{}, false
	}
	return dao.Tier(tierID)
}

// IsCollection reports whether address is a known collection contract.
func (c *Catalog) IsCollection(address common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byCollection[strings.ToLower(address.Hex())]
	return ok
}

// List returns every DAO in file order.
func (c *Catalog) List() []DAO {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DAO, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneDAO(c.byID[id]))
	}
	return out
}

// Reserve atomically claims n units of a tier's supply. It reports false when
// the tier is unknown or the reservation would exceed MaxAmount.
func (c *Catalog) Reserve(daoID, tierID string, n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tierLocked(daoID, tierID)
	if t == nil {
		return false
	}
	if t.MaxAmount > 0 && t.TotalAmount+n > t.MaxAmount {
		return false
	}
	t.TotalAmount += n
	return true
}

// Release returns n previously reserved units.
func (c *Catalog) Release(daoID, tierID string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tierLocked(daoID, tierID)
	if t == nil {
		return
	}
	t.TotalAmount -= n
	if t.TotalAmount < 0 {
		t.TotalAmount = 0
	}
}

func (c *Catalog) tierLocked(daoID, tierID string) *Tier {
	dao, ok := c.byID[daoID]
	if !ok {
		return nil
	}
	for i := range dao.Tiers {
		if dao.Tiers[i].ID == tierID {
			return &dao.Tiers[i]
		}
	}
	return nil
}

func cloneDAO(d *DAO) DAO {
	out := *d
	out.Tiers = make([]Tier, len(d.Tiers))
	for i, t := range d.Tiers {
		t.Artworks = append([]string(nil), t.Artworks...)
		out.Tiers[i] = t
	}
	out.PublicSale = cloneSale(d.PublicSale)
	out.PrivateSale = cloneSale(d.PrivateSale)
	out.RewardRules = append([]RewardRule(nil), d.RewardRules...)
	out.WebhookMappings = append([]WebhookMapping(nil), d.WebhookMappings...)
	return out
}

func cloneSale(s Sale) Sale {
	out := s
	if s.TierPrices != nil {
		out.TierPrices = make(map[string]string, len(s.TierPrices))
		for k, v := range s.TierPrices {
			out.TierPrices[k] = v
		}
	}
	if s.TierLimits != nil {
		out.TierLimits = make(map[string]int, len(s.TierLimits))
		for k, v := range s.TierLimits {
			out.TierLimits[k] = v
		}
	}
	return out
}
