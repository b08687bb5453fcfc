//go:build !darwin

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cast"
)

// xdgPath joins elem under $env, or under $HOME/homeRel when env is unset.
// It is empty when neither is known.
func xdgPath(env, homeRel string, elem ...string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, homeRel)
	}
	return filepath.Join(append([]string{base}, elem...)...)
}

func defaultDataDir() string {
	if dir := xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), appName); dir != "" {
		return dir
	}
	return appName + "-data"
}

func configFilePath() string {
	if p := xdgPath("XDG_CONFIG_HOME", ".config", appName, "config.json"); p != "" {
		return p
	}
	return filepath.Join(appName, "config.json")
}

// fileBackend keeps settings as one flat JSON object keyed by setting name.
type fileBackend struct {
	mu     sync.Mutex
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// newFileBackend reads path once. A missing file is an empty config and an
// unreadable one is logged and ignored.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	values, err := readJSONFile(path)
	if err != nil {
		slog.Warn("ignoring config file", "path", path, "error", err)
		return b
	}
	if values != nil {
		b.values = values
	}
	return b
}

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return values, nil
}

// writeFileAtomic replaces path through a temp file in the same directory,
// so readers see the old content or the new one. The file is user-only.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *fileBackend) lookup(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", true, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	i, err := parseInt(key, v)
	return i, true, err
}

func (b *fileBackend) SetString(key, val string) error  { return b.update(func(m map[string]any) { m[key] = val }) }
func (b *fileBackend) SetInt(key string, val int) error { return b.update(func(m map[string]any) { m[key] = val }) }
func (b *fileBackend) Delete(key string) error          { return b.update(func(m map[string]any) { delete(m, key) }) }

// update applies fn and rewrites the whole file.
func (b *fileBackend) update(fn func(map[string]any)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.values)
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return writeFileAtomic(b.path, append(data, '\n'))
}
