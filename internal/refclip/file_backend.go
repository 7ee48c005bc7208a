package refclip

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

type JSONFileStoreBackend struct {
	Path string
}

func NewJSONFileStoreBackend(path string) *JSONFileStoreBackend {
	return &JSONFileStoreBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStoreBackend) Load() (*recordState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot recordState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	snapshot.ensureMaps()
	return &snapshot, nil
}

func (b *JSONFileStoreBackend) Save(state *recordState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
