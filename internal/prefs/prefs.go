// Package prefs stores the per-user preference document: one JSON file,
// written atomically, read at the start of each engine cycle. Changes take
// effect on the next cycle.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mossleigh/steward/internal/config"
)

// Prefs is a free-form key/value document with typed accessors.
type Prefs map[string]any

// Path returns the preferences file path for the default data dir.
func Path() (string, error) {
	if override := os.Getenv("STEWARD_PREFERENCES_PATH"); override != "" {
		return override, nil
	}
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "preferences.json"), nil
}

// Read loads the document; a missing file yields an empty document.
func Read() (Prefs, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return ReadFrom(path)
}

// ReadFrom loads the document from an explicit path.
func ReadFrom(path string) (Prefs, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Prefs{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	var p Prefs
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	if p == nil {
		p = Prefs{}
	}
	return p, nil
}

// Write persists the document via temp-file-then-rename so readers never see
// a partial write.
func Write(p Prefs) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return WriteTo(path, p)
}

// WriteTo persists the document to an explicit path.
func WriteTo(path string, p Prefs) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create preferences dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	return nil
}

// Set updates one key and persists the document.
func Set(key string, value any) error {
	p, err := Read()
	if err != nil {
		return err
	}
	p[key] = value
	return Write(p)
}

// Int returns an integer preference, or def when unset or malformed.
func (p Prefs) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return def
}

// String returns a string preference, or def when unset.
func (p Prefs) String(key, def string) string {
	if v, ok := p[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// StringSet returns a lowercased set from a list-valued preference.
func (p Prefs) StringSet(key string) map[string]bool {
	out := map[string]bool{}
	list, ok := p[key].([]any)
	if !ok {
		return out
	}
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out[s] = true
		}
	}
	return out
}
