package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"superdao-relay/internal/config"
	"superdao-relay/internal/web3/ethereum"
	"superdao-relay/internal/web3/simtest"
)

func TestStaticRegistryDefaults(t *testing.T) {
	simA, _ := simtest.New(t, 1)
	simB, _ := simtest.New(t, 1)

	registry, err := NewStaticRegistry("",
		ethereum.NewSimulatedClient("polygon", simA),
		ethereum.NewSimulatedClient("ethereum", simB),
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if registry.DefaultName() != "ethereum" {
		t.Fatalf("expected alphabetical default, got %s", registry.DefaultName())
	}
	chain, err := registry.Chain("")
	if err != nil || chain.Name() != "ethereum" {
		t.Fatalf("empty name should resolve default: %v %v", chain, err)
	}
	if _, err := registry.Chain("solana"); err == nil {
		t.Fatal("expected error for unknown chain")
	}
	if got := registry.Chains(); len(got) != 2 || got[0] != "ethereum" || got[1] != "polygon" {
		t.Fatalf("unexpected chains %v", got)
	}
}

func TestStaticRegistryRejectsMissingDefault(t *testing.T) {
	sim, _ := simtest.New(t, 1)
	if _, err := NewStaticRegistry("polygon", ethereum.NewSimulatedClient("ethereum", sim)); err == nil {
		t.Fatal("expected error for unknown default chain")
	}
	if _, err := NewStaticRegistry(""); err == nil {
		t.Fatal("expected error for empty registry")
	}
}

func TestNewRegistryRejectsUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := "chains:\n  tron:\n    type: tvm\n    rpc_url: http://127.0.0.1:1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path}); err == nil {
		t.Fatal("expected unsupported type error")
	}
}
