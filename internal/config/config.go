package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Global is ~/.chatsync/config.toml, shared by every session.
type Global struct {
	DefaultSession string `toml:"default_session"`
}

// LoadGlobal reads the global config. A missing file is an empty config.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &g, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &g, nil
}

// Save writes cfg as TOML with 0600 permissions. The file is replaced
// atomically so a running daemon never reads a partial config.
func Save(path string, cfg any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
