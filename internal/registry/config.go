package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"authbridge/internal/domain"
)

// seedFile is the on-disk shape of the provider seed file.
type seedFile struct {
	Providers []*domain.Provider `yaml:"providers"`
}

// LoadSeedFile parses a YAML provider seed file. Only non-secret fields
// need survive in the file; secrets may instead arrive via explicit
// reconfiguration after boot.
func LoadSeedFile(path string) ([]*domain.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for _, p := range f.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("seed file: provider without id")
		}
		if p.Family == "" {
			p.Family = domain.FamilyAuthCode
		}
		switch p.Family {
		case domain.FamilyAuthCode, domain.FamilyOIDC, domain.FamilySAML:
		default:
			return nil, fmt.Errorf("seed file: provider %s: unknown family %q", p.ID, p.Family)
		}
	}
	return f.Providers, nil
}
