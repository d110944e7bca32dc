package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DataDir returns the directory qaml keeps its state in.
// Reads $QAML_HOME; defaults to ~/.cache/qaml.
func DataDir() string {
	if env := os.Getenv("QAML_HOME"); env != "" {
		return ExpandHome(env)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "qaml")
}

// EnsureParentDir creates the directory holding path if it does not exist.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// ExpandHome replaces a leading "~/" or a bare "~" with the user's home directory.
// Returns path unchanged if it does not start with "~".
//
// Expectations:
//   - Expands "~/foo" to "<home>/foo"
//   - Expands bare "~" to "<home>"
//   - Returns path unchanged when it does not start with "~"
//   - Returns path unchanged for "/absolute/path"
func ExpandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveOutputPath redirects bare filenames and "./" relative paths to the
// data directory. Paths that contain a directory component are returned
// unchanged.
//
// Call ExpandHome on the path first so "~/" paths keep their location.
//
// Expectations:
//   - Bare filename ("run.mp4") → redirected to DataDir()
//   - "./" prefix ("./run.mp4") → redirected to DataDir()
//   - Path with dir component ("videos/run.mp4") → not redirected
//   - Absolute path ("/tmp/run.mp4") → not redirected
func ResolveOutputPath(path string) (resolved string, redirected bool) {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) == "." {
		return filepath.Join(DataDir(), clean), true
	}
	return path, false
}

// RecordingFile names the video file for a session recording. A path ending
// in a separator (or naming an existing directory) gets a timestamped file
// inside it; anything else is used as the file name.
func RecordingFile(path, sessionID string, now time.Time) string {
	path = ExpandHome(path)
	if strings.HasSuffix(path, string(os.PathSeparator)) || isDir(path) {
		name := fmt.Sprintf("qaml-%s-%s.mp4", now.UTC().Format("20060102-150405"), shortID(sessionID))
		return filepath.Join(path, name)
	}
	resolved, _ := ResolveOutputPath(path)
	return resolved
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "session"
	}
	return id
}
