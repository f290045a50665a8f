package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

const filePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL"

// FileDSN converts a filesystem path into an on-disk SQLite DSN. The WAL
// journal keeps snapshot checkpoints from blocking trade inserts.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, filePragmas), nil
}
