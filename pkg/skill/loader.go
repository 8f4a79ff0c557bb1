package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir scans a directory for contract documents (*.yaml) and compiles
// each one. Subdirectories are not descended.
func LoadDir(root string) ([]*Contract, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []*Contract
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		contract, err := LoadFile(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		out = append(out, contract)
	}
	return out, nil
}

// LoadFile parses and compiles a single contract document.
func LoadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var contract Contract
	if err := yaml.Unmarshal(data, &contract); err != nil {
		return nil, fmt.Errorf("parse contract %s: %w", path, err)
	}
	if err := contract.Compile(); err != nil {
		return nil, fmt.Errorf("contract %s: %w", path, err)
	}
	return &contract, nil
}
