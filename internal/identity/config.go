package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration: one folder section per watched
// root, keyed by a short hash of the root's absolute path so that several
// independent roots can carry independent identities.
type Config struct {
	Folders map[string]FolderSection `yaml:"folders"`
}

// FolderSection pairs one watched root with the identity its uploads run
// under.
type FolderSection struct {
	Path     string   `yaml:"path"`
	Identity Identity `yaml:",inline"`
}

// DirectoryPath returns (creating it if needed) the oort dot-directory.
func DirectoryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".oort")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}

// ConfigFilePath returns the path of the YAML configuration file.
func ConfigFilePath() (string, error) {
	dir, err := DirectoryPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DatabaseFilePath returns the path of the uploads database.
func DatabaseFilePath() (string, error) {
	dir, err := DirectoryPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "uploads.db"), nil
}

// FolderKey derives the config section key for a root path.
func FolderKey(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return "watch-folder-" + hex.EncodeToString(sum[:])[:8]
}

// LoadConfig reads the configuration at path. A missing file yields an
// empty configuration, not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Folders: map[string]FolderSection{}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	if cfg.Folders == nil {
		cfg.Folders = map[string]FolderSection{}
	}
	return cfg, nil
}

// Save writes the configuration back to path.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	return nil
}

// AddFolder registers (or replaces) the identity of a watched root.
func (c *Config) AddFolder(absPath string, id Identity) {
	c.Folders[FolderKey(absPath)] = FolderSection{Path: absPath, Identity: id}
}

// RemoveFolder drops a watched root. It reports whether the root was
// registered.
func (c *Config) RemoveFolder(absPath string) bool {
	key := FolderKey(absPath)
	_, ok := c.Folders[key]
	delete(c.Folders, key)
	return ok
}

// Folder returns the section for a root path.
func (c *Config) Folder(absPath string) (FolderSection, bool) {
	section, ok := c.Folders[FolderKey(absPath)]
	return section, ok
}

// SortedFolders lists every watched folder ordered by path, for stable CLI
// output.
func (c *Config) SortedFolders() []FolderSection {
	sections := make([]FolderSection, 0, len(c.Folders))
	for _, section := range c.Folders {
		sections = append(sections, section)
	}
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].Path < sections[j].Path
	})
	return sections
}
