package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry is the collateral registry: the fixed set of assets the
// engine accepts, loaded once at startup. The set never changes while
// the process runs.
type Registry struct {
	StableSymbol string  `yaml:"stable_symbol"`
	Assets       []Asset `yaml:"assets"`
}

// Asset is one registered collateral type. StaleTimeout overrides the
// global oracle staleness cutoff for this asset's feed when set.
type Asset struct {
	Symbol       string        `yaml:"symbol"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// LoadRegistry reads and validates a collateral registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry validates raw YAML registry content.
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	if reg.StableSymbol == "" {
		reg.StableSymbol = "DSC"
	}
	if len(reg.Assets) == 0 {
		return nil, fmt.Errorf("registry: no collateral assets configured")
	}

	seen := make(map[string]bool, len(reg.Assets))
	for i, asset := range reg.Assets {
		if asset.Symbol == "" {
			return nil, fmt.Errorf("registry: asset %d has no symbol", i)
		}
		if seen[asset.Symbol] {
			return nil, fmt.Errorf("registry: duplicate asset %s", asset.Symbol)
		}
		if asset.StaleTimeout < 0 {
			return nil, fmt.Errorf("registry: asset %s has negative stale_timeout", asset.Symbol)
		}
		seen[asset.Symbol] = true
	}

	return &reg, nil
}

// Symbols returns the registered asset symbols in file order.
func (r *Registry) Symbols() []string {
	symbols := make([]string, 0, len(r.Assets))
	for _, a := range r.Assets {
		symbols = append(symbols, a.Symbol)
	}
	return symbols
}
