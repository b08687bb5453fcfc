//go:build darwin

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// defaultsDomain is the UserDefaults domain settings are kept under.
const defaultsDomain = "dev.taskmind"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appName + "-data"
	}
	return filepath.Join(home, "Library", "Application Support", appName)
}

// defaultsBackend goes through defaults(1). run is swapped in tests.
type defaultsBackend struct {
	domain string
	run    func(args ...string) ([]byte, error)
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain, run: runDefaults}
}

func runDefaults(args ...string) ([]byte, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return bytes.TrimSpace(out), err
}

// unset reports defaults(1) exiting 1, which it does for a missing key.
func unset(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", b.domain, key)
	switch {
	case err == nil:
		return string(out), true, nil
	case unset(err):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
	}
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := parseInt(key, s)
	return i, true, err
}

func (b *defaultsBackend) SetString(key, val string) error {
	return b.write("write", b.domain, key, "-string", val)
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	return b.write("write", b.domain, key, "-int", strconv.Itoa(val))
}

// Delete of a key that was never set is not an error.
func (b *defaultsBackend) Delete(key string) error {
	if _, err := b.run("delete", b.domain, key); err != nil && !unset(err) {
		return fmt.Errorf("defaults delete %s: %w", key, err)
	}
	return nil
}

func (b *defaultsBackend) write(args ...string) error {
	if out, err := b.run(args...); err != nil {
		return fmt.Errorf("defaults %s %s: %w: %s", args[0], args[2], err, out)
	}
	return nil
}
