//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Without a system keychain, secrets live in a user-only JSON file keyed
// "service/account".

var errSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	if p := xdgPath("XDG_DATA_HOME", filepath.Join(".local", "share"), appName, "secrets.json"); p != "" {
		return p
	}
	return filepath.Join(appName, "secrets.json")
}

func secretKey(service, account string) string { return service + "/" + account }

func readSecrets(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return secrets, nil
}

func getSecret(path, service, account string) (string, error) {
	secrets, err := readSecrets(path)
	if err != nil {
		return "", err
	}
	v, ok := secrets[secretKey(service, account)]
	if !ok {
		return "", fmt.Errorf("%s: %w", secretKey(service, account), errSecretNotFound)
	}
	return v, nil
}

// setSecret stores value, replacing a secrets file that cannot be parsed.
func setSecret(path, service, account, value string) error {
	secrets, err := readSecrets(path)
	if err != nil {
		slog.Warn("replacing unreadable secrets file", "path", path, "error", err)
		secrets = map[string]string{}
	}
	secrets[secretKey(service, account)] = value
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func keychainGet(service, account string) ([]byte, error) {
	v, err := getSecret(secretsFilePath(), service, account)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	return setSecret(secretsFilePath(), service, account, value)
}
