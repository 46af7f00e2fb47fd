package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bbdfi/internal/config"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/ethereum"
)

// Binding pairs a resolved chain profile with its signing client.
type Binding struct {
	Profile web3.Profile
	Chain   web3.Chain
}

// Dialer opens a chain client for a profile.
type Dialer func(ctx context.Context, profile web3.Profile) (web3.Chain, error)

// Registry resolves chain profiles once per chain id and keeps one client
// per chain.
type Registry struct {
	defs         web3.ChainDefinitions
	defaultChain int64
	dial         Dialer

	mu       sync.Mutex
	bindings map[int64]*Binding
}

// NewRegistry loads chain definitions and prepares clients on demand.
func NewRegistry(cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链")
	}
	privateKey := cfg.PrivateKey()
	dial := func(ctx context.Context, profile web3.Profile) (web3.Chain, error) {
		rpcURL := profile.RPCURL
		if strings.TrimSpace(cfg.RPCURL) != "" {
			rpcURL = cfg.RPCURL
		}
		return ethereum.NewClient(ctx, ethereum.Config{
			Name:             profile.Name,
			RPCURL:           rpcURL,
			PrivateKey:       privateKey,
			GasMultiplierBps: cfg.GasMultiplierBps,
		})
	}
	return NewRegistryWithDialer(defs, cfg.ChainID, dial), nil
}

// NewRegistryWithDialer builds a registry around custom client construction.
func NewRegistryWithDialer(defs web3.ChainDefinitions, defaultChain int64, dial Dialer) *Registry {
	return &Registry{
		defs:         defs,
		defaultChain: defaultChain,
		dial:         dial,
		bindings:     make(map[int64]*Binding),
	}
}

// Default returns the binding for the configured chain id.
func (r *Registry) Default(ctx context.Context) (*Binding, error) {
	return r.Open(ctx, r.defaultChain)
}

// Open resolves the profile for chainID and dials its client once.
func (r *Registry) Open(ctx context.Context, chainID int64) (*Binding, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if binding, ok := r.bindings[chainID]; ok {
		return binding, nil
	}
	profile, err := r.defs.ResolveProfile(chainID)
	if err != nil {
		return nil, err
	}
	chain, err := r.dial(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", profile.Name, err)
	}
	if id := chain.ChainID(); id != nil && profile.ChainID != 0 && id.Int64() != profile.ChainID {
		chain.Close()
		return nil, fmt.Errorf("链 %s 节点返回的链 ID %s 与配置 %d 不一致", profile.Name, id, profile.ChainID)
	}
	binding := &Binding{Profile: profile, Chain: chain}
	r.bindings[chainID] = binding
	return binding, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, binding := range r.bindings {
		if binding.Chain != nil {
			binding.Chain.Close()
		}
		delete(r.bindings, id)
	}
}

// Chains returns the list of configured chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.defs.Chains))
	for name := range r.defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
