package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bilbo-22/familist/pkg/model"
)

// CorruptError is returned by Load when the file exists but does not decode.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt dataset file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// fileBackend stores the dataset as one indented JSON document, replaced wholesale on
// every save. Recent idempotency keys live beside it in keysPath so a restart still
// recognises a replayed mutation.
type fileBackend struct {
	path     string
	keysPath string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path, keysPath: path + ".keys"}
}

func (b *fileBackend) Load() (model.Dataset, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.Dataset{}, nil
	} else if err != nil {
		return model.Dataset{}, fmt.Errorf("failed to read dataset: %w", err)
	}
	var d model.Dataset
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.Dataset{}, &CorruptError{Path: b.path, Err: err}
	}
	return d, nil
}

func (b *fileBackend) Save(d model.Dataset) error {
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}
	return replaceFile(b.path, raw)
}

// LoadKeys reads the remembered idempotency keys. A missing or unreadable file yields none.
func (b *fileBackend) LoadKeys() ([]string, error) {
	raw, err := os.ReadFile(b.keysPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read idempotency keys: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, &CorruptError{Path: b.keysPath, Err: err}
	}
	return keys, nil
}

func (b *fileBackend) SaveKeys(keys []string) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency keys: %w", err)
	}
	return replaceFile(b.keysPath, raw)
}

// replaceFile writes raw to a temp file beside path and renames it over path.
func replaceFile(path string, raw []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dir for %s: %w", path, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
