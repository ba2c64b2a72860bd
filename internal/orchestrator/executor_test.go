package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"superdao-relay/internal/catalog"
	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/fee"
	"superdao-relay/internal/job"
	"superdao-relay/internal/metatx"
	"superdao-relay/internal/web3"
	"superdao-relay/internal/web3/ethereum"
	"superdao-relay/internal/web3/provider"
	"superdao-relay/internal/web3/signer"
	"superdao-relay/internal/web3/simtest"
	"superdao-relay/internal/whitelist"
)

// revertingInitCode 部署一个任何调用都会 revert 的合约。
const revertingInitCode = "6460006000fd6000526005601bf3"

type harness struct {
	sim      *simulated.Backend
	chain    *ethereum.Client
	accounts []simtest.Account
	sender   *signer.Sender
	registry *provider.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim, accounts := simtest.New(t, 3)
	chain := ethereum.NewSimulatedClient("local", sim)
	registry, err := provider.NewStaticRegistry("local", chain)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &harness{
		sim:      sim,
		chain:    chain,
		accounts: accounts,
		sender:   signer.NewSender(signer.FromKey(accounts[0].Key), fee.NewOracle()),
		registry: registry,
	}
}

func (h *harness) deployReverting(t *testing.T) common.Address {
	t.Helper()
	ctx := context.Background()
	deployer := h.accounts[2]
	head, err := h.sim.Client().HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	tip := big.NewInt(1_000_000_000)
	tx, err := types.SignNewTx(deployer.Key, types.LatestSignerForChainID(simtest.ChainID), &types.DynamicFeeTx{
		ChainID:   simtest.ChainID,
		Nonce:     0,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip),
		Gas:       200_000,
		Data:      common.FromHex(revertingInitCode),
	})
	if err != nil {
		t.Fatalf("sign deploy: %v", err)
	}
	if err := h.sim.Client().SendTransaction(ctx, tx); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	h.sim.Commit()
	return crypto.CreateAddress(deployer.Address, 0)
}

func testCatalog(t *testing.T, collection common.Address, mutate func(*catalog.DAO)) *catalog.Catalog {
	t.Helper()
	dao := catalog.DAO{
		ID:                "moonbirds",
		Name:              "Moonbirds",
		Chain:             "local",
		CollectionAddress: collection.Hex(),
		Tiers: []catalog.Tier{
			{ID: "gold", Name: "Gold", MaxAmount: 10},
			{ID: "silver", Name: "Silver"},
		},
		PublicSale: catalog.Sale{Active: true, TierPrices: map[string]string{"gold": "1000", "silver": "10"}},
	}
	if mutate != nil {
		mutate(&dao)
	}
	cat, err := catalog.New([]catalog.DAO{dao})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func newJob(t *testing.T, id string, kind job.Kind, payload any) *job.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &job.Job{ID: id, Kind: kind, DAOID: "moonbirds", Payload: raw, Attempts: 1, MaxRetries: 3}
}

func TestExecuteMintRecordsSupply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	h := newHarness(t)
	collection := common.HexToAddress("0x00000000000000000000000000000000000c0ffe")
	cat := testCatalog(t, collection, nil)
	exec := NewExecutor(h.registry, cat, h.sender, WithReceipts(true, 10*time.Second))

	result, err := exec.Execute(ctx, newJob(t, "m1", job.KindMint, job.MintPayload{Recipient: h.accounts[1].Address.Hex(), Tier: "gold"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ChainID != "1337" || result.BlockNumber == 0 || result.TxHash == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	tx, _, err := h.sim.Client().TransactionByHash(ctx, common.HexToHash(result.TxHash))
	if err != nil {
		t.Fatalf("lookup tx: %v", err)
	}
	if tx.To() == nil || *tx.To() != collection {
		t.Fatalf("mint sent to %v", tx.To())
	}
	gold, _ := cat.Tier("moonbirds", "gold")
	if gold.TotalAmount != 1 {
		t.Fatalf("expected minted counter 1, got %d", gold.TotalAmount)
	}
}

func TestExecuteMintRejectsUnavailableTier(t *testing.T) {
	h := newHarness(t)
	cat := testCatalog(t, common.HexToAddress("0x01"), func(d *catalog.DAO) {
		d.Tiers[0].TotalAmount = 10
		d.Tiers[1].Deactivated = true
	})
	exec := NewExecutor(h.registry, cat, h.sender)
	recipient := h.accounts[1].Address.Hex()

	cases := []struct {
		name    string
		payload job.MintPayload
		status  string
	}{
		{"sold out", job.MintPayload{Recipient: recipient, Tier: "gold"}, "sold_out"},
		{"sold out admin", job.MintPayload{Recipient: recipient, Tier: "gold", IsAdmin: true}, "sold_out"},
		{"deactivated", job.MintPayload{Recipient: recipient, Tier: "silver"}, "not_for_sale"},
		{"unknown", job.MintPayload{Recipient: recipient, Tier: "bronze", IsAdmin: true}, "not_for_sale"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), newJob(t, "x", job.KindMint, tc.payload))
			e, ok := xerrors.From(err)
			if !ok || e.Code() != CodeTierUnavailable {
				t.Fatalf("expected tier unavailable, got %v", err)
			}
			if e.Retryable() {
				t.Fatal("tier errors must not be retried")
			}
			if e.Metadata()["status"] != tc.status {
				t.Fatalf("unexpected status %q", e.Metadata()["status"])
			}
		})
	}
}

func TestExecuteMintPrivateSale(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	h := newHarness(t)
	cat := testCatalog(t, common.HexToAddress("0x02"), func(d *catalog.DAO) {
		d.PublicSale = catalog.Sale{}
		d.PrivateSale = catalog.Sale{Active: true, TierPrices: map[string]string{"gold": "0"}}
	})
	wl := whitelist.NewMemoryStore()
	exec := NewExecutor(h.registry, cat, h.sender, WithWhitelist(wl))
	recipient := h.accounts[1].Address.Hex()

	_, err := exec.Execute(ctx, newJob(t, "p1", job.KindMint, job.MintPayload{Recipient: recipient, Tier: "gold"}))
	if e, ok := xerrors.From(err); !ok || e.Metadata()["status"] != "private_sale_not_eligible" {
		t.Fatalf("expected not eligible, got %v", err)
	}

	if _, err := wl.Add(ctx, whitelist.Entry{DAOID: "moonbirds", Wallet: recipient, Tiers: []string{"gold"}}); err != nil {
		t.Fatalf("whitelist add: %v", err)
	}
	if _, err := exec.Execute(ctx, newJob(t, "p2", job.KindMint, job.MintPayload{Recipient: recipient, Tier: "gold"})); err != nil {
		t.Fatalf("whitelisted mint: %v", err)
	}

	// 管理员铸造不受销售窗口限制。
	if _, err := exec.Execute(ctx, newJob(t, "p3", job.KindMint, job.MintPayload{Recipient: h.accounts[2].Address.Hex(), Tier: "silver", IsAdmin: true})); err != nil {
		t.Fatalf("admin mint: %v", err)
	}
}

func TestExecuteAirdropBatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	h := newHarness(t)
	cat := testCatalog(t, common.HexToAddress("0x03"), nil)
	exec := NewExecutor(h.registry, cat, h.sender, WithBatchSize(2), WithReceipts(true, 10*time.Second))

	var items []job.AirdropItem
	for i := 1; i <= 5; i++ {
		tierID := "gold"
		if i%2 == 0 {
			tierID = "silver"
		}
		items = append(items, job.AirdropItem{Wallet: common.BigToAddress(big.NewInt(int64(1000 + i))).Hex(), Tier: tierID})
	}
	result, err := exec.Execute(ctx, newJob(t, "a1", job.KindAirdrop, job.AirdropPayload{Items: items}))
	if err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	hashes := strings.Split(result.Note, ",")
	if len(hashes) != 3 {
		t.Fatalf("expected 3 batches, got %v", hashes)
	}
	if hashes[2] != result.TxHash {
		t.Fatalf("result should carry the last hash")
	}
	gold, _ := cat.Tier("moonbirds", "gold")
	silver, _ := cat.Tier("moonbirds", "silver")
	if gold.TotalAmount != 3 || silver.TotalAmount != 2 {
		t.Fatalf("unexpected counters gold=%d silver=%d", gold.TotalAmount, silver.TotalAmount)
	}

	_, err = exec.Execute(ctx, newJob(t, "a2", job.KindAirdrop, job.AirdropPayload{}))
	if xerrors.CodeOf(err) != job.CodeJobValidation {
		t.Fatalf("empty airdrop should fail validation, got %v", err)
	}
	over := make([]job.AirdropItem, 8)
	for i := range over {
		over[i] = job.AirdropItem{Wallet: common.BigToAddress(big.NewInt(int64(2000 + i))).Hex(), Tier: "gold"}
	}
	_, err = exec.Execute(ctx, newJob(t, "a3", job.KindAirdrop, job.AirdropPayload{Items: over}))
	if xerrors.CodeOf(err) != CodeTierUnavailable {
		t.Fatalf("airdrop beyond supply should be rejected, got %v", err)
	}
}

func TestExecuteRevertedReceiptIsTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	h := newHarness(t)
	collection := h.deployReverting(t)
	cat := testCatalog(t, collection, nil)
	exec := NewExecutor(h.registry, cat, h.sender, WithReceipts(true, 10*time.Second))

	_, err := exec.Execute(ctx, newJob(t, "r1", job.KindMint, job.MintPayload{Recipient: h.accounts[1].Address.Hex(), Tier: "gold"}))
	e, ok := xerrors.From(err)
	if !ok || e.Code() != CodeTxReverted {
		t.Fatalf("expected reverted, got %v", err)
	}
	if e.Retryable() {
		t.Fatal("reverted transactions must not be retried")
	}
	gold, _ := cat.Tier("moonbirds", "gold")
	if gold.TotalAmount != 0 {
		t.Fatal("failed mint must not bump the counter")
	}
}

func TestExecuteMintMarksBeforeSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	h := newHarness(t)
	cat := testCatalog(t, common.HexToAddress("0x05"), func(d *catalog.DAO) {
		d.Tiers[0].TotalAmount = 9
	})
	exec := NewExecutor(h.registry, cat, h.sender)
	payload := job.MintPayload{Recipient: h.accounts[1].Address.Hex(), Tier: "gold"}

	storeDown := errors.New("mysql: connection reset")
	guarded := job.WithSendGuard(ctx, func(context.Context) error { return storeDown })
	if _, err := exec.Execute(guarded, newJob(t, "g1", job.KindMint, payload)); !errors.Is(err, storeDown) {
		t.Fatalf("expected guard error, got %v", err)
	}
	nonce, err := h.sim.Client().PendingNonceAt(ctx, h.accounts[0].Address)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("nothing may be broadcast when the guard fails, nonce=%d", nonce)
	}
	gold, _ := cat.Tier("moonbirds", "gold")
	if gold.TotalAmount != 9 {
		t.Fatalf("reservation not released: %d", gold.TotalAmount)
	}

	marked := 0
	guarded = job.WithSendGuard(ctx, func(context.Context) error { marked++; return nil })
	if _, err := exec.Execute(guarded, newJob(t, "g2", job.KindMint, payload)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected one dispatch mark, got %d", marked)
	}
	// 最后一个额度已被占用。
	_, err = exec.Execute(ctx, newJob(t, "g3", job.KindMint, payload))
	if e, ok := xerrors.From(err); !ok || e.Metadata()["status"] != "sold_out" {
		t.Fatalf("expected sold out, got %v", err)
	}
}

type stubRelayer struct {
	sender *signer.Sender
	got    metatx.ForwardRequest
}

func (s *stubRelayer) Relay(ctx context.Context, chain web3.Chain, req metatx.ForwardRequest, _ []byte) (signer.Sent, error) {
	s.got = req
	return s.sender.Send(ctx, chain, req.To, nil, req.Data)
}

func TestExecuteMetaTx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	h := newHarness(t)
	relayer := &stubRelayer{sender: h.sender}
	exec := NewExecutor(h.registry, testCatalog(t, common.HexToAddress("0x04"), nil), h.sender, WithRelayer(relayer))

	payload := MetaTxPayload{
		Request:   metatx.ForwardRequest{From: h.accounts[1].Address, To: common.HexToAddress("0x04"), Data: []byte{0x01}},
		Signature: make([]byte, 65),
	}
	j := newJob(t, "mt", job.KindMetaTx, payload)
	j.DAOID = ""
	result, err := exec.Execute(ctx, j)
	if err != nil {
		t.Fatalf("meta tx: %v", err)
	}
	if result.TxHash == "" || relayer.got.From != h.accounts[1].Address {
		t.Fatalf("unexpected result %+v / %+v", result, relayer.got)
	}

	noRelay := NewExecutor(h.registry, testCatalog(t, common.HexToAddress("0x04"), nil), h.sender)
	if _, err := noRelay.Execute(ctx, j); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
