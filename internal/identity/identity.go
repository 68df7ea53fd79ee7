// Package identity carries the per-root upload identity and its persisted
// configuration. An Identity is supplied once when a root starts being
// watched and is treated as immutable afterwards.
package identity

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity is everything the pipeline needs to know about who uploads a
// watched root and where the bytes should go.
type Identity struct {
	Username       string `yaml:"username"`
	UploadKey      string `yaml:"upload_key"`
	Organization   string `yaml:"organization,omitempty"`
	Role           string `yaml:"role,omitempty"`
	Telescope      string `yaml:"telescope,omitempty"`
	Zip            bool   `yaml:"zip"`
	APIEnvironment string `yaml:"api"`
}

// MarkerFileName is the fixed-name marker identifying a folder as a legacy
// telescope root. The file holds a [telescope] section with a uuid entry.
const MarkerFileName = "__oort__"

// LookForTelescopeUUID reads the telescope uuid out of a folder's marker
// file. It returns the empty string when the folder carries no marker or
// the marker holds no valid uuid.
func LookForTelescopeUUID(folderPath string) string {
	f, err := os.Open(filepath.Join(folderPath, MarkerFileName))
	if err != nil {
		return ""
	}
	defer f.Close()

	inTelescopeSection := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";"):
		case strings.HasPrefix(line, "["):
			inTelescopeSection = strings.EqualFold(line, "[telescope]")
		case inTelescopeSection:
			key, value, found := strings.Cut(line, "=")
			if found && strings.TrimSpace(key) == "uuid" {
				value = strings.TrimSpace(value)
				if _, err := uuid.Parse(value); err != nil {
					return ""
				}
				return value
			}
		}
	}
	return ""
}
