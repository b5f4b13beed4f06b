package provider

import (
	"context"
	"errors"
	"testing"

	"OnyxLab-Core/internal/config"
	"OnyxLab-Core/internal/web3"
)

type fakeChain struct {
	name    string
	fail    bool
	closed  bool
	lookups []string
}

func (f *fakeChain) GetTransactionReceipt(_ context.Context, txHash string) (*web3.Receipt, error) {
	f.lookups = append(f.lookups, txHash)
	return &web3.Receipt{TxHash: txHash, Status: web3.ReceiptPending}, nil
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if f.fail {
		return web3.ChainSnapshot{}, errors.New("rpc down")
	}
	return web3.ChainSnapshot{ChainID: "0x1", BlockNumber: "0x10"}, nil
}

func (f *fakeChain) Close() { f.closed = true }

func TestRegistryRoutesReceiptsToDefaultChain(t *testing.T) {
	mainnet := &fakeChain{name: "mainnet"}
	sepolia := &fakeChain{name: "sepolia", fail: true}
	registry, err := NewStaticRegistry("sepolia", map[string]web3.Client{"mainnet": mainnet, "sepolia": sepolia})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if _, err := registry.GetTransactionReceipt(context.Background(), "0xabc"); err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if len(sepolia.lookups) != 1 || len(mainnet.lookups) != 0 {
		t.Fatalf("lookup should go to the default chain")
	}

	snapshots, failures := registry.Snapshots(context.Background())
	if len(snapshots) != 1 || snapshots[0].Chain != "mainnet" {
		t.Fatalf("unexpected snapshots: %+v", snapshots)
	}
	if failures["sepolia"] == nil {
		t.Fatalf("expected sepolia failure, got %+v", failures)
	}

	registry.Close()
	if !mainnet.closed || !sepolia.closed {
		t.Fatalf("close should release every client")
	}
}

func TestRegistryDefaultsToFirstChain(t *testing.T) {
	registry, err := NewStaticRegistry("", map[string]web3.Client{"b": &fakeChain{}, "a": &fakeChain{}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := registry.Chains(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("unexpected chains: %v", got)
	}
	if _, ok := registry.Client("a"); !ok {
		t.Fatalf("expected client a")
	}
	if _, err := NewStaticRegistry("missing", map[string]web3.Client{"a": &fakeChain{}}); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}

func TestNewRegistryWithoutEndpoints(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error when no chain is configured")
	}
}
