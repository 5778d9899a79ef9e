package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for names that do not map to a plain file name.
var ErrInvalidName = errors.New("relay: invalid file name")

// DirSaver saves relayed streams as files in one directory.
type DirSaver struct {
	dir    string // absolute
	logger *slog.Logger
}

// NewDirSaver creates dir if needed.
func NewDirSaver(dir string, logger *slog.Logger) (*DirSaver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	return &DirSaver{dir: absDir, logger: logger}, nil
}

// Path returns where a stream named name ends up.
func (d *DirSaver) Path(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.dir, clean), nil
}

// Create opens a temp file next to the destination. The destination only
// appears, through a rename, when the upload is committed.
func (d *DirSaver) Create(name string, _ int64) (Upload, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(d.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &fileUpload{file: tmp, path: path, logger: d.logger}, nil
}

func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "/" || base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

type fileUpload struct {
	file   *os.File
	path   string
	logger *slog.Logger
}

func (u *fileUpload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

func (u *fileUpload) Commit() error {
	tmpPath := u.file.Name()
	if err := u.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	// The rename keeps partial files from ever being visible under the
	// final name.
	if err := os.Rename(tmpPath, u.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename saved file: %w", err)
	}
	return nil
}

func (u *fileUpload) Discard() error {
	u.file.Close()
	if err := os.Remove(u.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove temp file: %w", err)
	}
	u.logger.Debug("discarded partial file", "path", u.path)
	return nil
}
