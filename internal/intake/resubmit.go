package intake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"document-intake/internal/config"
	"document-intake/internal/fsutil"
	"document-intake/internal/queue"
)

// Resubmit moves name from failed back into incoming, where the scanner
// picks it up as new work. name must be a bare file name.
func Resubmit(layout config.Layout, name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("%q: want a file name from the failed directory, not a path", name)
	}
	dst, err := fsutil.Move(filepath.Join(layout.Failed, name), layout.Incoming)
	if err != nil {
		return "", fmt.Errorf("resubmit %s: %w", name, err)
	}
	return dst, nil
}

// ResubmitDeadLetter returns a restore func that resubmits every failed file
// of a dead letter. Files are matched by name, so the daemon and the operator
// may see the tree under different roots. Files already gone are skipped.
func ResubmitDeadLetter(layout config.Layout) func(queue.DeadLetter) error {
	return func(dl queue.DeadLetter) error {
		for _, f := range dl.Files {
			if _, err := Resubmit(layout, filepath.Base(f)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		return nil
	}
}
