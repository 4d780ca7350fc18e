package firewall

import (
	"os"
	"path/filepath"
)

// Storage reads and writes whole rule files. Implementations must make
// WriteFile atomic: a reader sees either the old or the new content.
type Storage interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// FileStorage stores rule files on the local filesystem.
type FileStorage struct{}

// ReadFile implements Storage.
func (FileStorage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile implements Storage by writing a temporary file in the same
// directory and renaming it over path.
func (FileStorage) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
