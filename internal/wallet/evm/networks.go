package evm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkDefinitions models the structure of configs/chains.yaml.
type NetworkDefinitions struct {
	Networks map[string]NetworkDefinition `yaml:"networks"`
}

// NetworkDefinition describes a single EVM endpoint the wallet can pay on.
type NetworkDefinition struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id"`
	TokenAddress  string `yaml:"token_address"`
	TokenDecimals int32  `yaml:"token_decimals"`
	Description   string `yaml:"description"`
}

// DefaultNetworks returns the built-in Arc endpoints.
func DefaultNetworks() NetworkDefinitions {
	return NetworkDefinitions{Networks: map[string]NetworkDefinition{
		"ARC-TESTNET": {
			RPCURL:      "https://rpc.testnet.arc.network",
			ChainID:     5042002,
			Description: "Arc public testnet, USDC is the native gas token",
		},
	}}
}

// LoadNetworks parses the YAML file containing network metadata. An empty
// path yields the built-in definitions.
func LoadNetworks(path string) (NetworkDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultNetworks(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NetworkDefinitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}

	var defs NetworkDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NetworkDefinitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]NetworkDefinition{}
	}
	return defs, nil
}

// Lookup returns the named network definition.
func (d NetworkDefinitions) Lookup(name string) (NetworkDefinition, error) {
	def, ok := d.Networks[strings.TrimSpace(name)]
	if !ok {
		return NetworkDefinition{}, fmt.Errorf("未定义的网络: %s", name)
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return NetworkDefinition{}, fmt.Errorf("网络 %s 缺少 rpc_url", name)
	}
	return def, nil
}
