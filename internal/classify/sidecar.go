package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sidecarSuffix distinguishes cache files from page text files.
const sidecarSuffix = ".type.txt"

// SidecarEntry is one cached decision. ID is empty for entries read from
// legacy caches, which recorded labels positionally.
type SidecarEntry struct {
	ID    string
	Label string
}

// SidecarPath returns the cache path for a source file: same base name with
// the .type.txt suffix (001.txt -> 001.type.txt).
func SidecarPath(sourceFile string) string {
	base := strings.TrimSuffix(sourceFile, filepath.Ext(sourceFile))
	return base + sidecarSuffix
}

// IsSidecar reports whether path names a cache file.
func IsSidecar(path string) bool {
	return strings.HasSuffix(path, sidecarSuffix)
}

// HasSidecar reports whether a non-empty cache exists for sourceFile.
func HasSidecar(sourceFile string) bool {
	info, err := os.Stat(SidecarPath(sourceFile))
	return err == nil && info.Size() > 0
}

// ReadSidecar parses a cache file. Both formats are accepted: comma-joined
// id=label pairs, and the legacy comma-joined bare labels.
func ReadSidecar(path string) ([]SidecarEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []SidecarEntry
	for _, token := range strings.Split(strings.TrimSpace(string(data)), ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if id, label, found := strings.Cut(token, "="); found {
			entries = append(entries, SidecarEntry{ID: strings.TrimSpace(id), Label: strings.TrimSpace(label)})
		} else {
			entries = append(entries, SidecarEntry{Label: token})
		}
	}
	return entries, nil
}

// WriteSidecar writes cache entries comma-joined in order. Entries whose id
// contains a delimiter character are written bare and align positionally.
func WriteSidecar(path string, entries []SidecarEntry) error {
	tokens := make([]string, len(entries))
	for i, e := range entries {
		if e.ID != "" && !strings.ContainsAny(e.ID, ",=") {
			tokens[i] = fmt.Sprintf("%s=%s", e.ID, e.Label)
		} else {
			tokens[i] = e.Label
		}
	}
	return os.WriteFile(path, []byte(strings.Join(tokens, ",")), 0o644)
}
