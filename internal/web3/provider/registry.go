package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"X402-Agent/internal/web3"
	"X402-Agent/internal/web3/ethereum"
	"X402-Agent/internal/web3/solana"
)

// Builder constructs a provider for one network.
type Builder func(ctx context.Context, def web3.ChainDefinition) (web3.Provider, error)

// Registry maps networks to provider builders. Wallet managers use it as
// their provider factory, so the concrete provider type is chosen by the
// network name alone.
type Registry struct {
	mu       sync.RWMutex
	defs     web3.ChainDefinitions
	builders map[web3.Network]Builder
}

// NewRegistry loads chain definitions and registers the built-in EVM and
// Solana builders.
func NewRegistry(chainConfig string) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(chainConfig)
	if err != nil {
		return nil, err
	}
	return FromDefinitions(defs), nil
}

// FromDefinitions creates a registry over already parsed definitions.
func FromDefinitions(defs web3.ChainDefinitions) *Registry {
	if defs.Chains == nil {
		defs.Chains = map[string]web3.ChainDefinition{}
	}
	r := &Registry{defs: defs, builders: make(map[web3.Network]Builder)}
	r.Register(web3.NetworkBase, buildEVM)
	r.Register(web3.NetworkSolana, buildSolana)
	return r
}

// Register installs or replaces the builder for network.
func (r *Registry) Register(network web3.Network, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[network] = builder
}

// New builds a fresh provider for network. Callers own the returned
// provider and must Close it.
func (r *Registry) New(ctx context.Context, network web3.Network) (web3.Provider, error) {
	if r == nil {
		return nil, errors.New("未初始化的链提供者注册表")
	}
	r.mu.RLock()
	builder, ok := r.builders[network]
	def, hasDef := r.defs.Lookup(network)
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("不支持的网络: %s", network)
	}
	if !hasDef {
		return nil, fmt.Errorf("网络 %s 未在链配置中定义", network)
	}
	p, err := builder(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("初始化网络 %s 失败: %w", network, err)
	}
	return p, nil
}

// Networks returns the networks that have both a builder and a chain
// definition.
func (r *Registry) Networks() []web3.Network {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for network := range r.builders {
		if _, ok := r.defs.Lookup(network); ok {
			names = append(names, string(network))
		}
	}
	sort.Strings(names)
	out := make([]web3.Network, len(names))
	for i, name := range names {
		out[i] = web3.Network(name)
	}
	return out
}

func buildEVM(ctx context.Context, def web3.ChainDefinition) (web3.Provider, error) {
	p, err := ethereum.NewProvider(ctx, ethereum.Config{
		RPCURL:         def.RPCURL,
		BatchRPCURL:    def.BatchRPCURL,
		ChainID:        def.ChainID,
		USDC:           def.USDC,
		ConfirmTimeout: def.ConfirmTimeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func buildSolana(ctx context.Context, def web3.ChainDefinition) (web3.Provider, error) {
	p, err := solana.NewProvider(ctx, solana.Config{
		RPCURL:         def.RPCURL,
		Mint:           def.USDC,
		ConfirmTimeout: def.ConfirmTimeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
