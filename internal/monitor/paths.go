package monitor

import (
	"os"
	"path/filepath"
	"strings"
)

// SessionIDFromPath returns the session id for a log file: its base name
// without extension.
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DecodeProjectPath reverses the agent's project directory naming, where
// every "/" and "." of the working directory became "-". The encoding is
// ambiguous for names containing dashes, so candidates are checked against
// the filesystem; when nothing matches, every dash is read as a separator.
func DecodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}
	parts := strings.Split(encoded[1:], "-")
	if path, ok := resolveParts("/", parts); ok {
		return path
	}
	return "/" + strings.Join(parts, "/")
}

// resolveParts finds an existing directory under dir spelled by parts,
// preferring the shortest first segment.
func resolveParts(dir string, parts []string) (string, bool) {
	if len(parts) == 0 {
		return dir, true
	}
	for n := 1; n <= len(parts); n++ {
		name := strings.Join(parts[:n], "-")
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "-") {
			// An empty segment stands for a leading dot.
			name = "." + name[1:]
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		if path, ok := resolveParts(candidate, parts[n:]); ok {
			return path, true
		}
	}
	return "", false
}

// nameFromPath returns the last element of a project path for display.
func nameFromPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(path))
}
