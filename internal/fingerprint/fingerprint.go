// Package fingerprint computes content-addressed identities for jobs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// File returns the hex sha256 of the file's bytes.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Combine derives a pair fingerprint from its members' fingerprints, primary
// first. The result does not depend on file names.
func Combine(members ...string) string {
	h := sha256.New()
	for _, m := range members {
		_, _ = io.WriteString(h, m)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Files fingerprints one or two files. A single path yields its own hash, a
// pair yields the combination of both member hashes.
func Files(paths ...string) (string, []string, error) {
	members := make([]string, 0, len(paths))
	for _, p := range paths {
		fp, err := File(p)
		if err != nil {
			return "", nil, err
		}
		members = append(members, fp)
	}
	if len(members) == 1 {
		return members[0], members, nil
	}
	return Combine(members...), members, nil
}
