package intake

import (
	"path/filepath"
	"strings"

	"document-intake/internal/fsutil"
	"document-intake/internal/models"
)

const continuationSuffix = "-1"

// Candidate is a group of incoming files that become one job.
type Candidate struct {
	Kind models.JobKind
	// Files holds the primary first for pairs.
	Files []fsutil.Entry
}

// Counterpart returns the name of the file that would pair with name, and
// whether name itself is the continuation. Invoice.pdf pairs with
// Invoice-1.pdf and vice versa.
func Counterpart(name string) (string, bool) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if strings.HasSuffix(stem, continuationSuffix) && len(stem) > len(continuationSuffix) {
		return strings.TrimSuffix(stem, continuationSuffix) + ext, true
	}
	return stem + continuationSuffix + ext, false
}

// Resolve partitions entries into pair and single candidates. Each entry is
// claimed by at most one candidate. A continuation without its primary is a
// single. Candidates keep the order of their earliest member in entries.
func Resolve(entries []fsutil.Entry) []Candidate {
	byName := make(map[string]fsutil.Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	claimed := make(map[string]bool, len(entries))
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if claimed[e.Name] {
			continue
		}
		claimed[e.Name] = true
		other, isContinuation := Counterpart(e.Name)
		peer, ok := byName[other]
		if !ok || claimed[other] {
			out = append(out, Candidate{Kind: models.KindSingle, Files: []fsutil.Entry{e}})
			continue
		}
		claimed[other] = true
		files := []fsutil.Entry{e, peer}
		if isContinuation {
			files = []fsutil.Entry{peer, e}
		}
		out = append(out, Candidate{Kind: models.KindPair, Files: files})
	}
	return out
}
