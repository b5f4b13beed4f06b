package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"OnyxLab-Core/internal/config"
	"OnyxLab-Core/internal/web3"
	"OnyxLab-Core/internal/web3/ethereum"
	"OnyxLab-Core/pkg/logger"
)

// Registry holds one client per configured chain. Receipt lookups go to the
// settlement chain, where payments are expected to land.
type Registry struct {
	settlement string
	clients    map[string]web3.Client
}

// NewRegistry dials every chain in web3.chain_config. When the file lists no
// chains, web3.rpc_url is used as a single chain named "default".
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	clients := make(map[string]web3.Client, len(defs.Chains))
	for name, def := range defs.Chains {
		client, err := dial(ctx, name, def)
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		clients[name] = client
	}
	return newRegistry(cfg.DefaultChain, clients)
}

func dial(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	logger.RegisterSecret(def.Secrets()...)
	switch kind := strings.ToLower(strings.TrimSpace(def.Type)); kind {
	case "", "evm":
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:    name,
			RPCURL:  def.RPCURL,
			Notes:   def.Description,
			ChainID: def.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
}

// NewStaticRegistry builds a registry from already constructed clients.
func NewStaticRegistry(settlement string, clients map[string]web3.Client) (*Registry, error) {
	copied := make(map[string]web3.Client, len(clients))
	for name, client := range clients {
		copied[name] = client
	}
	return newRegistry(settlement, copied)
}

// newRegistry 在未指定结算链时取名称排序后的第一条链。
func newRegistry(settlement string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	r := &Registry{settlement: settlement, clients: clients}
	if r.settlement == "" {
		r.settlement = r.Chains()[0]
	}
	if _, ok := clients[r.settlement]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.settlement)
	}
	return r, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// GetTransactionReceipt implements web3.ReceiptReader on the settlement chain.
func (r *Registry) GetTransactionReceipt(ctx context.Context, txHash string) (*web3.Receipt, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.settlement]
	if !ok {
		return nil, fmt.Errorf("结算链 %s 不可用", r.settlement)
	}
	return client.GetTransactionReceipt(ctx, txHash)
}

// Snapshots queries every registered chain concurrently. Chains that fail
// to answer are reported through the returned error map.
func (r *Registry) Snapshots(ctx context.Context) ([]web3.ChainSnapshot, map[string]error) {
	names := r.Chains()
	results := make([]web3.ChainSnapshot, len(names))
	errs := make([]error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i], errs[i] = r.clients[name].FetchChainSnapshot(ctx)
			if errs[i] == nil && results[i].Chain == "" {
				results[i].Chain = name
			}
		}(i, name)
	}
	wg.Wait()

	var (
		snapshots []web3.ChainSnapshot
		failures  map[string]error
	)
	for i, name := range names {
		if errs[i] != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[name] = errs[i]
			continue
		}
		snapshots = append(snapshots, results[i])
	}
	return snapshots, failures
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

var _ web3.ReceiptReader = (*Registry)(nil)
