// Package configstore holds the daemon's active configuration: the file it
// was read from, the parsed tree, the compiled result and the trees that
// preceded it across reloads.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/psaab/dhcp6d/pkg/config"
)

// Store manages the active configuration.
type Store struct {
	mu       sync.RWMutex
	active   *config.ConfigTree
	compiled *config.Config
	loadedAt time.Time
	history  *History
	filePath string
}

// New creates a config store for filePath.
func New(filePath string) *Store {
	return &Store{
		active:   &config.ConfigTree{},
		history:  NewHistory(10),
		filePath: filePath,
	}
}

// Path returns the configuration file path.
func (s *Store) Path() string { return s.filePath }

// Load reads, parses and compiles the configuration file. A missing file
// loads the empty configuration. On error the active configuration is
// left in place.
func (s *Store) Load() (*config.Config, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return s.LoadText(string(data))
}

// LoadText replaces the active configuration with text.
func (s *Store) LoadText(text string) (*config.Config, error) {
	tree, errs := config.NewParser(text).Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse config: %w", errors.Join(errs...))
	}
	compiled, err := config.CompileConfig(tree)
	if err != nil {
		return nil, fmt.Errorf("compile config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled != nil {
		s.history.Push(&HistoryEntry{
			Config:    s.active,
			Timestamp: s.loadedAt,
		})
	}
	s.active = tree
	s.compiled = compiled
	s.loadedAt = time.Now()
	return compiled, nil
}

// ActiveConfig returns the compiled active configuration, nil before the
// first successful load.
func (s *Store) ActiveConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled
}

// LoadedAt returns when the active configuration was loaded.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// ShowActive returns the active configuration as hierarchical text.
func (s *Store) ShowActive() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Format()
}

// ShowActiveSet returns the active configuration as flat set commands.
func (s *Store) ShowActiveSet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.FormatSet()
}

// Warnings returns the warnings of the active configuration.
func (s *Store) Warnings() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.compiled == nil {
		return nil
	}
	return slices.Clone(s.compiled.Warnings)
}

// Text returns the active configuration and its warnings.
func (s *Store) Text() (string, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var warnings []string
	if s.compiled != nil {
		warnings = slices.Clone(s.compiled.Warnings)
	}
	return s.active.Format(), warnings
}

// ExportJSON exports the compiled active config as JSON (for debugging).
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.compiled, "", "  ")
}

// ShowCompare returns the difference between the nth previous configuration
// (1 = the one replaced by the last reload) and the active one as set
// commands, with "-" for removed lines and "+" for added lines.
func (s *Store) ShowCompare(n int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.history.Get(n - 1)
	if err != nil {
		return "", err
	}

	oldLines := splitLines(entry.Config.FormatSet())
	newLines := splitLines(s.active.FormatSet())

	oldMap := make(map[string]bool, len(oldLines))
	for _, line := range oldLines {
		oldMap[line] = true
	}
	newMap := make(map[string]bool, len(newLines))
	for _, line := range newLines {
		newMap[line] = true
	}

	var b strings.Builder
	for _, line := range oldLines {
		if !newMap[line] {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	for _, line := range newLines {
		if !oldMap[line] {
			fmt.Fprintf(&b, "+ %s\n", line)
		}
	}

	if b.Len() == 0 {
		return "[no changes]\n", nil
	}
	return b.String(), nil
}

// History returns the previously active configurations, most recent first.
func (s *Store) History() []*HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.List()
}

// splitLines splits a string into non-empty lines.
func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
