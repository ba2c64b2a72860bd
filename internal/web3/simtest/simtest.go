// Package simtest spins up an in-process EVM chain with funded accounts for
// tests that need to sign and mine real transactions.
package simtest

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

// ChainID is the chain id reported by the simulated backend.
var ChainID = big.NewInt(1337)

// Account is a funded key on the simulated chain.
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// HexKey returns the private key in the hex form accepted by the signer.
func (a Account) HexKey() string {
	return common.Bytes2Hex(crypto.FromECDSA(a.Key))
}

// New starts a simulated backend and funds n fresh accounts with 100 ETH each.
// The backend is closed when the test finishes.
func New(t testing.TB, n int) (*simulated.Backend, []Account) {
	t.Helper()
	if n <= 0 {
		n = 1
	}
	balance := new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000_000_000_000))
	alloc := types.GenesisAlloc{}
	accounts := make([]Account, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		alloc[addr] = types.Account{Balance: balance}
		accounts = append(accounts, Account{Key: key, Address: addr})
	}
	backend := simulated.NewBackend(alloc)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, accounts
}
