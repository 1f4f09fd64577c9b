// Package persist stores transposition table snapshots on disk so a long
// think is not wasted when the engine process restarts (e.g. between games
// against the same opponent at a fixed position).
package persist

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "chesscore"

// DefaultDir returns the platform-specific data directory for hash snapshots.
//   - macOS: ~/Library/Application Support/chesscore/hash
//   - Windows: %APPDATA%/chesscore/hash
//   - Linux and other Unix-like: $XDG_DATA_HOME or ~/.local/share/chesscore/hash
func DefaultDir() string {
	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "."+appName, "hash")
		}
		baseDir = filepath.Join(homeDir, "Library", "Application Support")
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(".", "."+appName, "hash")
			}
			baseDir = filepath.Join(homeDir, "AppData", "Roaming")
		}
	default:
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(".", "."+appName, "hash")
			}
			baseDir = filepath.Join(homeDir, ".local", "share")
		}
	}

	return filepath.Join(baseDir, appName, "hash")
}
