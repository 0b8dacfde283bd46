package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// Common timeout durations
const (
	ShutdownTimeout = 5 * time.Second
	ShortTimeout    = 2 * time.Second
)

// MaxIdentityLen bounds client-asserted identities.
const MaxIdentityLen = 128

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// NormalizeIdentity trims an identity and rejects values the router cannot key on.
// The identity itself is not verified; that belongs to whatever authenticated the client.
func NormalizeIdentity(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("identity is empty")
	}
	if len(id) > MaxIdentityLen {
		return "", errors.New("identity is too long")
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", errors.New("identity must not contain control characters")
	}
	return id, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
