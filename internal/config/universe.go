package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// UniverseConfig lists the (symbol, interval) pairs the feature scheduler
// and labeler iterate over. The streaming ingestor still follows the single
// venue pair; the universe widens the derived pipelines.
type UniverseConfig struct {
	Venue string         `yaml:"venue"`
	Pairs []UniversePair `yaml:"pairs"`
}

// UniversePair is one market the derived pipelines track.
type UniversePair struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
}

// LoadUniverse loads the universe file, falling back to the venue pair from
// the main config when the file is absent.
func LoadUniverse(path string, fallback UniversePair) (*UniverseConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UniverseConfig{Pairs: []UniversePair{fallback}}, nil
		}
		return nil, fmt.Errorf("failed to read universe config: %w", err)
	}

	var universe UniverseConfig
	if err := yaml.Unmarshal(data, &universe); err != nil {
		return nil, fmt.Errorf("failed to parse universe YAML: %w", err)
	}

	if len(universe.Pairs) == 0 {
		universe.Pairs = []UniversePair{fallback}
	}
	for i, p := range universe.Pairs {
		if p.Symbol == "" || p.Interval == "" {
			return nil, fmt.Errorf("universe pair %d: symbol and interval are required", i)
		}
	}
	return &universe, nil
}

// SaveUniverse writes the universe file.
func SaveUniverse(universe *UniverseConfig, path string) error {
	data, err := yaml.Marshal(universe)
	if err != nil {
		return fmt.Errorf("failed to marshal universe config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write universe config: %w", err)
	}
	return nil
}

// UniverseConfigPath returns the default path for the universe file.
func UniverseConfigPath() string {
	return filepath.Join("config", "universe.yaml")
}
