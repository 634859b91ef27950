package core

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Keys read from secrets.env or the environment.
const (
	EnvAgentToken = "DROIDFLEET_AGENT_TOKEN"
	EnvADBPath    = "DROIDFLEET_ADB_PATH"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path, by default secrets.env in the
// droidfleet config directory. Lines starting with # are ignored and a missing
// file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(configDir(), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out, s.Err()
}
