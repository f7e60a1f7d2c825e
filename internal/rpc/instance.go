package rpc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateInstanceID returns the instance id stored at path. When the
// file does not exist a new id is requested from the control plane and
// persisted.
func LoadOrCreateInstanceID(ctx context.Context, path string, client Client) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read instance id: %w", err)
	}

	id, err := client.NewInstanceID(ctx)
	if err != nil {
		return "", fmt.Errorf("request instance id: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create instance id dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write instance id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	return id, nil
}
