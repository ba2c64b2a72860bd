package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"superdao-relay/internal/config"
	"superdao-relay/internal/web3"
	"superdao-relay/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]web3.Chain
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	chains := make(map[string]web3.Chain)
	closeAll := func() {
		for _, c := range chains {
			c.Close()
		}
	}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:          name,
			RPCURL:        def.RPCURL,
			ChainID:       def.ChainID,
			GasStationURL: def.GasStationURL,
			Forwarder:     def.Forwarder,
			Notes:         def.Description,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		chains[name] = client
	}

	defaultChain := cfg.DefaultChain
	if len(chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		chains["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	list := make([]web3.Chain, 0, len(chains))
	for _, c := range chains {
		list = append(list, c)
	}
	registry, err := NewStaticRegistry(defaultChain, list...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewStaticRegistry builds a registry from already constructed chains.
func NewStaticRegistry(defaultChain string, chains ...web3.Chain) (*Registry, error) {
	set := make(map[string]web3.Chain, len(chains))
	for _, c := range chains {
		if c == nil {
			continue
		}
		set[c.Name()] = c
	}
	if len(set) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := set[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, chains: set}, nil
}

// Default returns the chain configured as default.
func (r *Registry) Default() (web3.Chain, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	return r.Chain(r.defaultChain)
}

// DefaultName returns the name of the default chain.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Chain returns the chain identified by name. An empty name selects the
// default chain.
func (r *Registry) Chain(name string) (web3.Chain, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}
	c, ok := r.chains[name]
	if !ok {
		return nil, fmt.Errorf("未知的链: %s", name)
	}
	return c, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, c := range r.chains {
		if c != nil {
			c.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
