// Package dotenv loads KEY=VALUE files into the process environment for
// local runs of the gateway and the chat client.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parse reads dotenv lines from r. Blank lines, comments and lines without
// '=' are skipped. An unquoted value ends at " #".
func Parse(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = unquote(strings.TrimSpace(val))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func unquote(val string) string {
	if len(val) >= 2 {
		q := val[0]
		if (q == '"' || q == '\'') && val[len(val)-1] == q {
			return val[1 : len(val)-1]
		}
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return val
}

// Load applies each file in order. Variables already in the environment
// win, and so does the earliest file naming a key. Missing files are
// skipped.
func Load(paths ...string) error {
	for _, path := range paths {
		if err := LoadFile(path); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile applies one file without overriding existing variables.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	values, err := Parse(file)
	if err != nil {
		return fmt.Errorf("scan env file %q: %w", path, err)
	}
	for key, val := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	return nil
}
