package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// backend reads raw config values by dotted key.
type backend interface {
	Get(key string) (any, bool, error)
}

// fileBackend serves values from a flat JSON object keyed by dotted
// config keys, e.g. {"server.port": 4000}.
type fileBackend struct {
	path   string
	values map[string]any
	loaded bool
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (f *fileBackend) load() error {
	if f.loaded {
		return nil
	}
	f.loaded = true
	f.values = map[string]any{}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		return fmt.Errorf("parsing config file %s: %w", f.path, err)
	}
	return nil
}

func (f *fileBackend) Get(key string) (any, bool, error) {
	if err := f.load(); err != nil {
		return nil, false, err
	}
	v, ok := f.values[key]
	return v, ok, nil
}
