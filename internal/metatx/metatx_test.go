package metatx

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/fee"
	"superdao-relay/internal/web3"
	"superdao-relay/internal/web3/ethereum"
	"superdao-relay/internal/web3/signer"
	"superdao-relay/internal/web3/simtest"
)

var (
	forwarderAddr = common.HexToAddress("0x00000000000000000000000000000000000f0f0f")
	collection    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func sign(t *testing.T, key *ecdsa.PrivateKey, req ForwardRequest, domain Domain) []byte {
	t.Helper()
	hash, err := Hash(req, domain)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return sig
}

func request(from common.Address, nonce int64) ForwardRequest {
	return ForwardRequest{
		From:  from,
		To:    collection,
		Value: (*math.HexOrDecimal256)(big.NewInt(0)),
		Gas:   (*math.HexOrDecimal256)(big.NewInt(80_000)),
		Nonce: (*math.HexOrDecimal256)(big.NewInt(nonce)),
		Data:  []byte{0x12, 0x34},
	}
}

func TestVerify(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	from := crypto.PubkeyToAddress(key.PublicKey)
	domain := Domain{ChainID: big.NewInt(137), VerifyingContract: forwarderAddr}
	req := request(from, 0)
	sig := sign(t, key, req, domain)

	if err := Verify(req, sig, domain); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if err := Verify(req, raw, domain); err != nil {
		t.Fatalf("v in {0,1} should be accepted: %v", err)
	}

	cases := map[string]func() error{
		"wrong chain": func() error {
			return Verify(req, sig, Domain{ChainID: big.NewInt(1), VerifyingContract: forwarderAddr})
		},
		"wrong signer":    func() error { return Verify(req, sign(t, other, req, domain), domain) },
		"tampered nonce":  func() error { return Verify(request(from, 1), sig, domain) },
		"short signature": func() error { return Verify(req, sig[:64], domain) },
		"bad v": func() error {
			bad := append([]byte(nil), sig...)
			bad[64] = 5
			return Verify(req, bad, domain)
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			if code := xerrors.CodeOf(run()); code != CodeInvalidSignature {
				t.Fatalf("expected %s, got %s", CodeInvalidSignature, code)
			}
		})
	}
}

func TestForwardRequestJSON(t *testing.T) {
	var req ForwardRequest
	body := `{"from":"0x5FbDB2315678afecb367f032d93F642f64180aa3","to":"0x5FbDB2315678afecb367f032d93F642f64180aa3","value":"0","gas":"0x186a0","nonce":"7","data":"0xabcd"}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.GasInt().Int64() != 100_000 || req.NonceInt().Int64() != 7 || len(req.Data) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
}

// forwarderBackend answers getNonce calls for the fake forwarder and
// delegates everything else to the simulated chain.
type forwarderBackend struct {
	web3.Backend
	nonce int64
}

func (b forwarderBackend) CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	if msg.To != nil && *msg.To == forwarderAddr {
		uint256, _ := abi.NewType("uint256", "", nil)
		return abi.Arguments{{Type: uint256}}.Pack(big.NewInt(b.nonce))
	}
	return b.Backend.CallContract(ctx, msg, block)
}

type forwarderChain struct {
	*ethereum.Client
	backend web3.Backend
}

func (c forwarderChain) Backend() web3.Backend { return c.backend }

func TestRelayerRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sim, accounts := simtest.New(t, 1)
	client := ethereum.NewSimulatedClient("local", sim).WithForwarder(forwarderAddr)
	chain := forwarderChain{Client: client, backend: forwarderBackend{Backend: client.Backend(), nonce: 3}}

	sender := signer.NewSender(signer.FromKey(accounts[0].Key), fee.NewOracle())
	relayer := NewRelayer(sender, NewAllowList([]string{collection.Hex()}), nil, 50_000)

	userKey, _ := crypto.GenerateKey()
	user := crypto.PubkeyToAddress(userKey.PublicKey)
	domain := Domain{ChainID: simtest.ChainID, VerifyingContract: forwarderAddr}

	t.Run("nonce mismatch", func(t *testing.T) {
		req := request(user, 2)
		_, err := relayer.Relay(ctx, chain, req, sign(t, userKey, req, domain))
		if xerrors.CodeOf(err) != CodeNonceMismatch {
			t.Fatalf("expected nonce mismatch, got %v", err)
		}
	})

	t.Run("target not allowed", func(t *testing.T) {
		req := request(user, 3)
		req.To = common.HexToAddress("0x0000000000000000000000000000000000000bad")
		_, err := relayer.Relay(ctx, chain, req, sign(t, userKey, req, domain))
		if xerrors.CodeOf(err) != CodeTargetNotAllowed {
			t.Fatalf("expected target rejection, got %v", err)
		}
	})

	t.Run("relayed", func(t *testing.T) {
		req := request(user, 3)
		sent, err := relayer.Relay(ctx, chain, req, sign(t, userKey, req, domain))
		if err != nil {
			t.Fatalf("relay: %v", err)
		}
		if sent.GasLimit != 130_000 {
			t.Fatalf("expected gas + overhead, got %d", sent.GasLimit)
		}
		receipt, err := chain.WaitReceipt(ctx, sent.Hash)
		if err != nil {
			t.Fatalf("receipt: %v", err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			t.Fatalf("unexpected status %d", receipt.Status)
		}
		tx, _, err := sim.Client().TransactionByHash(ctx, sent.Hash)
		if err != nil {
			t.Fatalf("tx by hash: %v", err)
		}
		if *tx.To() != forwarderAddr {
			t.Fatalf("expected tx to forwarder, got %s", tx.To())
		}
		// 65 字节签名的最后一个字位于 calldata 末尾，首字节即 v。
		if v := tx.Data()[len(tx.Data())-32]; v != 27 && v != 28 {
			t.Fatalf("signature v should be 27 or 28 on-chain, got %d", v)
		}
	})
}

func TestRelayerRejectsOutOfRangeGas(t *testing.T) {
	ctx := context.Background()
	sim, accounts := simtest.New(t, 1)
	client := ethereum.NewSimulatedClient("local", sim).WithForwarder(forwarderAddr)
	chain := forwarderChain{Client: client, backend: forwarderBackend{Backend: client.Backend(), nonce: 0}}
	sender := signer.NewSender(signer.FromKey(accounts[0].Key), fee.NewOracle())
	relayer := NewRelayer(sender, NewAllowList([]string{collection.Hex()}), nil, 50_000, WithMaxGas(500_000))

	user := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	sig := make([]byte, 65)

	wrapped := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1_000))
	cases := map[string]*big.Int{
		"beyond uint64": wrapped,
		"above cap":     big.NewInt(500_001),
		"zero":          big.NewInt(0),
	}
	for name, gas := range cases {
		t.Run(name, func(t *testing.T) {
			req := request(user, 0)
			req.Gas = (*math.HexOrDecimal256)(gas)
			_, err := relayer.Relay(ctx, chain, req, sig)
			e, ok := xerrors.From(err)
			if !ok || e.Code() != xerrors.CodeInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if e.Metadata()["max_gas"] != "500000" {
				t.Fatalf("unexpected metadata %v", e.Metadata())
			}
		})
	}

	nonce, err := sim.Client().PendingNonceAt(ctx, accounts[0].Address)
	if err != nil || nonce != 0 {
		t.Fatalf("rejected requests must not be broadcast: nonce=%d err=%v", nonce, err)
	}

	overflow := NewRelayer(sender, NewAllowList([]string{collection.Hex()}), nil, ^uint64(0), WithMaxGas(^uint64(0)))
	req := request(user, 0)
	if _, err := overflow.Relay(ctx, chain, req, sig); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected overflow rejection, got %v", err)
	}
}

func TestRelayerRequiresForwarder(t *testing.T) {
	sim, accounts := simtest.New(t, 1)
	client := ethereum.NewSimulatedClient("local", sim)
	relayer := NewRelayer(signer.NewSender(signer.FromKey(accounts[0].Key), fee.NewOracle()), nil, nil, 0)

	if _, err := relayer.Forwarder(client); xerrors.CodeOf(err) != CodeNoForwarder {
		t.Fatalf("expected missing forwarder error, got %v", err)
	}
	relayer = NewRelayer(nil, nil, map[string]string{"local": forwarderAddr.Hex()}, 0)
	if addr, err := relayer.Forwarder(client); err != nil || addr != forwarderAddr {
		t.Fatalf("config override ignored: %s %v", addr, err)
	}
}
