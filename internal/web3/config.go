package web3

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes the endpoints and token contract used for one
// network.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	BatchRPCURL string `yaml:"batch_rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	// USDC is the ERC-20 contract address on EVM chains and the mint on
	// Solana. Empty means the mainnet default.
	USDC           string        `yaml:"usdc"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	Description    string        `yaml:"description"`
}

// Family returns the declared chain family, defaulting to evm.
func (d ChainDefinition) Family() string {
	family := strings.ToLower(strings.TrimSpace(d.Type))
	if family == "" {
		return "evm"
	}
	return family
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata and validates network names.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		network, err := ParseNetwork(name)
		if err != nil {
			return ChainDefinitions{}, fmt.Errorf("链配置 %s 无效: %w", name, err)
		}
		if network.Family() != def.Family() {
			return ChainDefinitions{}, fmt.Errorf("链 %s 的类型应为 %s，实际为 %s", name, network.Family(), def.Family())
		}
	}
	return defs, nil
}

// Lookup returns the definition configured for network.
func (d ChainDefinitions) Lookup(network Network) (ChainDefinition, bool) {
	def, ok := d.Chains[string(network)]
	return def, ok
}
