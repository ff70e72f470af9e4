package intake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"document-intake/internal/fsutil"
	"document-intake/internal/models"
)

// WriteDescriptor records a staged pair in dir and returns the descriptor
// path. An existing descriptor of the same name is never overwritten.
func WriteDescriptor(dir string, files []string) (string, error) {
	if len(files) != 2 {
		return "", fmt.Errorf("pair descriptor needs 2 files, got %d", len(files))
	}
	raw, err := json.Marshal(models.PairDescriptor{Files: files})
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	path := fsutil.FreePath(filepath.Join(dir, models.DescriptorName(files[0])))
	if err := fsutil.WriteFileAtomic(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write descriptor: %w", err)
	}
	return path, nil
}

// ReadDescriptor loads and validates the descriptor at path.
func ReadDescriptor(path string) (models.PairDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.PairDescriptor{}, err
	}
	return models.DecodeDescriptor(raw)
}
