package core

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path. With an empty path it reads
// ./secrets.env and then $XDG_CONFIG_HOME/unimigrate/secrets.env, the project
// file taking precedence. Lines starting with # are ignored, as are an
// "export " prefix and surrounding quotes. Missing files are not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	paths := []string{path}
	if path == "" {
		paths = []string{filepath.Join(configDir(), "secrets.env"), "secrets.env"}
	}
	out := map[string]string{}
	for _, p := range paths {
		if err := readEnvFile(p, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func readEnvFile(path string, out map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open secrets: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("read secrets %s: %w", path, err)
	}
	return nil
}
