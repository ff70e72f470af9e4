// Package fsutil holds the rename-based file primitives the pipeline uses as
// its only state transition.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Move renames src into dir, keeping its base name. If a file with that name
// already exists in dir the destination gets a short unique suffix instead of
// being overwritten. It returns the final path. On failure src is untouched.
func Move(src, dir string) (string, error) {
	dst := filepath.Join(dir, filepath.Base(src))
	if _, err := os.Lstat(dst); err == nil {
		dst = uniqueName(dst)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat destination: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// FreePath returns path if nothing exists there, otherwise a sibling name with
// a short unique suffix.
func FreePath(path string) string {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	return uniqueName(path)
}

func uniqueName(path string) string {
	ext := filepath.Ext(path)
	if strings.HasSuffix(path, ".pair.json") {
		ext = ".pair.json"
	}
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s.%s%s", base, uuid.NewString()[:8], ext)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		return errors.Join(err, os.Remove(tmpName))
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("write temp: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("close temp: %w", err), os.Remove(tmpName))
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return errors.Join(fmt.Errorf("chmod temp: %w", err), os.Remove(tmpName))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Join(fmt.Errorf("rename temp: %w", err), os.Remove(tmpName))
	}
	return nil
}

// Entry is a regular file found by List.
type Entry struct {
	Path    string
	Name    string
	Size    int64
	ModTime int64 // unix nanoseconds
}

// List returns the regular files directly inside dir ordered by modification
// time, oldest first. Hidden files (temp files included) are skipped.
func List(dir string) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		out = append(out, Entry{
			Path:    filepath.Join(dir, de.Name()),
			Name:    de.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime == out[j].ModTime {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime < out[j].ModTime
	})
	return out, nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
