package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one deployment: endpoints, contracts and tokens.
type ChainDefinition struct {
	Type          string                     `yaml:"type"`
	ChainID       int64                      `yaml:"chain_id"`
	Default       bool                       `yaml:"default"`
	RPCURL        string                     `yaml:"rpc_url"`
	WSURL         string                     `yaml:"ws_url"`
	Description   string                     `yaml:"description"`
	SourceAsset   string                     `yaml:"source_asset"`
	TrackedAssets []string                   `yaml:"tracked_assets"`
	Contracts     ContractDefinitions        `yaml:"contracts"`
	Tokens        map[string]TokenDefinition `yaml:"tokens"`
	Assets        map[string]string          `yaml:"assets"`
}

// ContractDefinitions lists the protocol contracts of a chain.
type ContractDefinitions struct {
	LendingPool string `yaml:"lending_pool"`
	PriceOracle string `yaml:"price_oracle"`
	Multicall3  string `yaml:"multicall3"`
}

// TokenDefinition describes an ERC-20 token deployment.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
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

// ParseChainDefinitions decodes chain metadata from raw YAML.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// ResolveProfile selects the definition matching chainID, falling back to
// the entry flagged as default, and converts it into a Profile.
func (d ChainDefinitions) ResolveProfile(chainID int64) (Profile, error) {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	var fallback string
	for _, name := range names {
		def := d.Chains[name]
		if def.ChainID == chainID {
			return def.profile(name)
		}
		if def.Default && fallback == "" {
			fallback = name
		}
	}
	if fallback == "" {
		return Profile{}, fmt.Errorf("链 %d 未在配置中找到，且没有默认链", chainID)
	}
	return d.Chains[fallback].profile(fallback)
}

func (def ChainDefinition) profile(name string) (Profile, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return Profile{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}

	for field, raw := range map[string]string{
		"lending_pool": def.Contracts.LendingPool,
		"price_oracle": def.Contracts.PriceOracle,
		"multicall3":   def.Contracts.Multicall3,
	} {
		if !common.IsHexAddress(raw) {
			return Profile{}, fmt.Errorf("链 %s 的合约 %s 地址无效: %q", name, field, raw)
		}
	}
	contracts := Contracts{
		LendingPool: common.HexToAddress(def.Contracts.LendingPool),
		PriceOracle: common.HexToAddress(def.Contracts.PriceOracle),
		Multicall3:  common.HexToAddress(def.Contracts.Multicall3),
	}

	tokens := make(map[string]Token, len(def.Tokens))
	for symbol, tok := range def.Tokens {
		if !common.IsHexAddress(tok.Address) {
			return Profile{}, fmt.Errorf("链 %s 的代币 %s 地址无效: %q", name, symbol, tok.Address)
		}
		tokens[symbol] = Token{Symbol: symbol, Address: common.HexToAddress(tok.Address), Decimals: tok.Decimals}
	}

	assets := make(map[string]string, len(def.Assets))
	for asset, symbol := range def.Assets {
		if _, ok := tokens[symbol]; !ok {
			return Profile{}, fmt.Errorf("链 %s 的资产 %s 指向未定义的代币 %s", name, asset, symbol)
		}
		assets[asset] = symbol
	}

	profile := Profile{
		Name:          name,
		ChainID:       def.ChainID,
		RPCURL:        def.RPCURL,
		WSURL:         def.WSURL,
		Description:   def.Description,
		Contracts:     contracts,
		Tokens:        tokens,
		Assets:        assets,
		SourceAsset:   def.SourceAsset,
		TrackedAssets: append([]string(nil), def.TrackedAssets...),
	}
	if _, err := profile.SourceToken(); err != nil {
		return Profile{}, err
	}
	for _, asset := range profile.TrackedAssets {
		if _, err := profile.Token(asset); err != nil {
			return Profile{}, err
		}
	}
	return profile, nil
}
