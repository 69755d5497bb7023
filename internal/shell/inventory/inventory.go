// Package inventory loads the configured game-server fleet from YAML.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/artpar/gsm/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// ErrEmpty is returned when an inventory file lists no servers.
var ErrEmpty = errors.New("inventory lists no servers")

// File is the on-disk inventory layout.
type File struct {
	Servers []domain.ServerConfig `yaml:"servers"`
}

// Load reads the inventory at path. An empty path yields the default fleet.
func Load(path string) (*domain.ServerSet, error) {
	if path == "" {
		return domain.NewServerSet(domain.DefaultServers())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}

	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and validates an inventory document. Unknown fields are
// rejected so typos do not silently drop a manager binding.
func Parse(data []byte) (*domain.ServerSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if len(f.Servers) == 0 {
		return nil, ErrEmpty
	}

	return domain.NewServerSet(f.Servers)
}

// Marshal renders servers in the inventory layout.
func Marshal(servers []domain.ServerConfig) ([]byte, error) {
	return yaml.Marshal(File{Servers: servers})
}
