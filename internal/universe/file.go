// Package universe resolves universe keys into instrument lists.
package universe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownUniverse is returned when a key has no definition.
var ErrUnknownUniverse = errors.New("unknown universe")

// Definition is one named, ordered instrument list.
type Definition struct {
	Name        string   `yaml:"name"`
	Instruments []string `yaml:"instruments"`
}

type file struct {
	Universes map[string]Definition `yaml:"universes"`
}

// FileResolver serves universe definitions loaded from a YAML document:
//
//	universes:
//	  sp500:
//	    name: S&P 500
//	    instruments: [AAPL, MSFT]
type FileResolver struct {
	universes map[string]Definition
}

// NewFileResolver reads and parses the definitions file at path.
func NewFileResolver(path string) (*FileResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}
	return Parse(data)
}

// Parse builds a FileResolver from YAML bytes.
func Parse(data []byte) (*FileResolver, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse universe file: %w", err)
	}

	universes := make(map[string]Definition, len(f.Universes))
	for key, def := range f.Universes {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("parse universe file: empty universe key")
		}
		instruments := make([]string, 0, len(def.Instruments))
		for _, inst := range def.Instruments {
			if inst = strings.TrimSpace(inst); inst != "" {
				instruments = append(instruments, inst)
			}
		}
		if def.Name == "" {
			def.Name = key
		}
		def.Instruments = instruments
		universes[key] = def
	}
	return &FileResolver{universes: universes}, nil
}

// Resolve returns the instruments of universeKey in definition order.
func (r *FileResolver) Resolve(ctx context.Context, universeKey string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := r.universes[universeKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUniverse, universeKey)
	}
	out := make([]string, len(def.Instruments))
	copy(out, def.Instruments)
	return out, nil
}

// Name returns the display name of universeKey, or the key itself when it
// has none.
func (r *FileResolver) Name(universeKey string) (string, bool) {
	def, ok := r.universes[universeKey]
	if !ok {
		return "", false
	}
	return def.Name, true
}

// Keys lists every known universe key, sorted.
func (r *FileResolver) Keys() []string {
	keys := make([]string, 0, len(r.universes))
	for k := range r.universes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
