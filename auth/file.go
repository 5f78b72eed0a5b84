package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// LoadFile reads saved token state from disk. Returns (nil, nil) if the
// file does not exist so callers can distinguish "not logged in" from a
// corrupt file.
func LoadFile(path string) (*TokenState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("auth: reading %s: %w", path, err)
	}

	var st TokenState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("auth: decoding %s: %w", path, err)
	}

	if st.AccessToken == "" && st.RefreshToken == "" {
		return nil, fmt.Errorf("auth: %s holds no token (re-login required)", path)
	}

	return &st, nil
}

// SaveFile writes token state to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func SaveFile(path string, st TokenState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encoding token state: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("auth: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("auth: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close
	// and rename cannot leave an empty or partial token file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("auth: renaming: %w", err)
	}

	success = true

	return nil
}

// RemoveFile deletes the token file at path. Returns nil if it does not
// exist (already logged out).
func RemoveFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}
