package catalog

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const sample = `
daos:
  - id: moonbirds
    name: Moon Birds
    chain: polygon
    collection_address: "0x5fbdb2315678afecb367f032d93f642f64180aa3"
    tiers:
      - id: gold
        name: Gold
        max_amount: 10
        total_amount: 9
      - id: silver
        name: Silver
    public_sale:
      active: true
      start_at: 2024-01-01T00:00:00Z
      tier_prices:
        gold: "1000"
    reward_rules:
      - source: quests
        min_score: 100
        tier: silver
    webhook_mappings:
      - source: quests
        key: champion
        tier: gold
`

func TestParseIndexesDAOs(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	dao, ok := c.DAOByCollection("0x5FBDB2315678AFECB367F032D93F642F64180AA3")
	if !ok {
		t.Fatal("collection lookup should ignore case")
	}
	if dao.CollectionAddress != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Fatalf("address not checksummed: %s", dao.CollectionAddress)
	}
	if dao.PublicSale.StartAt == nil || dao.PublicSale.StartAt.Year() != 2024 {
		t.Fatalf("start_at not parsed: %+v", dao.PublicSale.StartAt)
	}
	if !dao.PublicSale.Prices("gold") || dao.PublicSale.Prices("silver") {
		t.Fatal("unexpected tier prices")
	}
	if !c.IsCollection(dao.Collection()) {
		t.Fatal("expected collection to be known")
	}
}

func TestReserveDoesNotLeakIntoCopies(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	before, _ := c.DAO("moonbirds")
	if !c.Reserve("moonbirds", "gold", 1) {
		t.Fatal("expected reservation to succeed")
	}

	tier, ok := c.Tier("moonbirds", "gold")
	if !ok || tier.TotalAmount != 10 {
		t.Fatalf("expected counter to advance, got %+v", tier)
	}
	if gold, _ := before.Tier("gold"); gold.TotalAmount != 9 {
		t.Fatalf("earlier copy mutated: %+v", gold)
	}
}

func TestReserveLastUnitOnce(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Reserve("moonbirds", "gold", 1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Fatalf("expected exactly one reservation of the last unit, got %d", granted.Load())
	}

	c.Release("moonbirds", "gold", 1)
	if tier, _ := c.Tier("moonbirds", "gold"); tier.TotalAmount != 9 {
		t.Fatalf("release did not return the unit: %+v", tier)
	}
	if !c.Reserve("moonbirds", "gold", 1) || c.Reserve("moonbirds", "gold", 1) {
		t.Fatal("released unit should be reservable exactly once")
	}
	if c.Reserve("moonbirds", "missing", 1) {
		t.Fatal("unknown tier must not be reserved")
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"bad address":       "daos:\n  - id: a\n    collection_address: nope\n",
		"missing id":        "daos:\n  - collection_address: \"0x5fbdb2315678afecb367f032d93f642f64180aa3\"\n",
		"duplicate dao":     "daos:\n  - id: a\n    collection_address: \"0x5fbdb2315678afecb367f032d93f642f64180aa3\"\n  - id: a\n    collection_address: \"0xe7f1725e7734ce288f8367e1bb143e90bb3f0512\"\n",
		"shared collection": "daos:\n  - id: a\n    collection_address: \"0x5fbdb2315678afecb367f032d93f642f64180aa3\"\n  - id: b\n    collection_address: \"0x5fbdb2315678afecb367f032d93f642f64180aa3\"\n",
		"unknown reward tier": strings.Join([]string{
			"daos:",
			"  - id: a",
			"    collection_address: \"0x5fbdb2315678afecb367f032d93f642f64180aa3\"",
			"    reward_rules:",
			"      - {source: quests, min_score: 1, tier: ghost}",
		}, "\n"),
		"duplicate tier": strings.Join([]string{
			"daos:",
			"  - id: a",
			"    collection_address: \"0x5fbdb2315678afecb367f032d93f642f64180aa3\"",
			"    tiers: [{id: t}, {id: t}]",
		}, "\n"),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
