// Package dotenv seeds the process environment from a local env file so the
// gateway can run outside of a container with its NOVA_ settings in one place.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Load reads KEY=VALUE pairs from path into the process environment. A
// missing file is not an error; variables already set always win over the
// file.
func Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, val, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file %q: %w", path, err)
	}
	return nil
}

// parseLine extracts one assignment. Comments, blank lines, and lines
// without a key are skipped. An optional "export " prefix and single or
// double quotes around the value are tolerated so the same file works when
// sourced from a shell.
func parseLine(raw string) (key, val string, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}

	val = strings.TrimSpace(val)
	for _, q := range []string{`"`, "'"} {
		if len(val) >= 2 && strings.HasPrefix(val, q) && strings.HasSuffix(val, q) {
			val = val[1 : len(val)-1]
			break
		}
	}
	return key, val, true
}
