package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle lists the photon paths shipped inside the control plane binary, so
// photon.ListRoots can merge them with user-directory photons (user wins
// on name collision).
type Bundle struct {
	Photons []string `yaml:"photons"`
}

// LoadBundle reads a bundle.yaml manifest. A missing file is not an error:
// it returns an empty Bundle, since bundling is optional.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Bundle{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle manifest: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}
	return &b, nil
}
