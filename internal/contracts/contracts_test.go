package contracts

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestSelectors(t *testing.T) {
	cases := []struct {
		name string
		pack func() ([]byte, error)
		sig  string
	}{
		{"mint", func() ([]byte, error) { return PackMint(common.HexToAddress("0x01"), "gold") }, "mint(address,string)"},
		{"airdrop", func() ([]byte, error) {
			return PackAirdrop([]common.Address{common.HexToAddress("0x01")}, []string{"gold"})
		}, "airdrop(address[],string[])"},
		{"totalSupply", PackTotalSupply, "totalSupply()"},
		{"getNonce", func() ([]byte, error) { return PackGetNonce(common.HexToAddress("0x01")) }, "getNonce(address)"},
		{"execute", func() ([]byte, error) {
			return PackExecute(ForwardRequest{
				From:  common.HexToAddress("0x01"),
				To:    common.HexToAddress("0x02"),
				Value: big.NewInt(0),
				Gas:   big.NewInt(100_000),
				Nonce: big.NewInt(3),
				Data:  []byte{0xde, 0xad},
			}, make([]byte, 65))
		}, "execute((address,address,uint256,uint256,uint256,bytes),bytes)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.pack()
			if err != nil {
				t.Fatalf("pack: %v", err)
			}
			if !bytes.Equal(data[:4], selector(tc.sig)) {
				t.Fatalf("selector mismatch for %s", tc.sig)
			}
		})
	}
}

func TestPackMintRoundTrip(t *testing.T) {
	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	data, err := PackMint(to, "gold")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	args, err := Collection().Methods["mint"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != to || args[1].(string) != "gold" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestPackAirdropValidation(t *testing.T) {
	if _, err := PackAirdrop(nil, nil); err != ErrEmptyAirdrop {
		t.Fatalf("expected ErrEmptyAirdrop, got %v", err)
	}
	if _, err := PackAirdrop([]common.Address{{}}, []string{"a", "b"}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestUnpackNonce(t *testing.T) {
	uint256, _ := abi.NewType("uint256", "", nil)
	encoded, err := abi.Arguments{{Type: uint256}}.Pack(big.NewInt(42))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	nonce, err := UnpackNonce(encoded)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if nonce.Int64() != 42 {
		t.Fatalf("unexpected nonce %s", nonce)
	}
	if _, err := UnpackNonce([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short data")
	}
}
