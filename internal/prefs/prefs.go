// Package prefs stores the search preferences that drive each scan.
package prefs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Preferences are the user's search inputs.
type Preferences struct {
	Locations         []string `yaml:"locations" json:"locations"`
	Keywords          []string `yaml:"keywords" json:"keywords"`
	ExclusionKeywords []string `yaml:"exclusion_keywords" json:"exclusion_keywords"`
	Resume            string   `yaml:"resume" json:"resume"`
	Criteria          string   `yaml:"criteria" json:"criteria"`
}

// Normalize trims entries and drops blanks and case-insensitive duplicates.
func (p Preferences) Normalize() Preferences {
	p.Locations = cleanList(p.Locations)
	p.Keywords = cleanList(p.Keywords)
	p.ExclusionKeywords = cleanList(p.ExclusionKeywords)
	p.Resume = strings.TrimSpace(p.Resume)
	p.Criteria = strings.TrimSpace(p.Criteria)
	return p
}

// Validate checks that a scan could be built from p.
func (p Preferences) Validate() error {
	if len(p.Locations) == 0 {
		return errors.New("at least one location is required")
	}
	if len(p.Keywords) == 0 {
		return errors.New("at least one keyword is required")
	}
	return nil
}

func (p Preferences) clone() Preferences {
	p.Locations = slices.Clone(p.Locations)
	p.Keywords = slices.Clone(p.Keywords)
	p.ExclusionKeywords = slices.Clone(p.ExclusionKeywords)
	return p
}

func cleanList(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// Store keeps preferences in a YAML file and serves the current copy.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Preferences
}

// NewStore loads preferences from path. A missing file yields empty
// preferences; the file is created on the first Update.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.With(slog.String("component", "prefs")),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Current returns a copy of the loaded preferences.
func (s *Store) Current() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Update validates p and writes it to disk atomically.
func (s *Store) Update(p Preferences) (Preferences, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return Preferences{}, err
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return Preferences{}, fmt.Errorf("encoding preferences: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path, data); err != nil {
		return Preferences{}, err
	}
	s.current = p
	s.logger.Info("preferences updated",
		slog.Int("locations", len(p.Locations)),
		slog.Int("keywords", len(p.Keywords)))
	return p.clone(), nil
}

// Export returns the current preferences as YAML.
func (s *Store) Export() ([]byte, error) {
	data, err := yaml.Marshal(s.Current())
	if err != nil {
		return nil, fmt.Errorf("encoding preferences: %w", err)
	}
	return data, nil
}

// Import replaces the preferences with a YAML document.
func (s *Store) Import(data []byte) (Preferences, error) {
	var p Preferences
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("decoding preferences: %w", err)
	}
	return s.Update(p)
}

// reload reads the file into memory. A file that fails to parse leaves the
// previous preferences in place.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path) //nolint:gosec // G304: path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading preferences: %w", err)
	}

	var p Preferences
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decoding preferences %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.current = p.Normalize()
	s.mu.Unlock()
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating preferences directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return fmt.Errorf("writing preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing preferences: %w", err)
	}
	return nil
}
