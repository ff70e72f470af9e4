package intake

import (
	"fmt"
	"os"
	"sync"
	"time"

	"document-intake/internal/fsutil"
)

// IsStable reports whether the file at path has been quiet for at least quiet:
// both since the caller last saw it change and since its modification time.
func IsStable(path string, lastSeen time.Time, quiet time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}
	return stableAt(time.Now(), lastSeen, info.ModTime(), quiet), nil
}

func stableAt(now, lastSeen, modTime time.Time, quiet time.Duration) bool {
	return now.Sub(lastSeen) >= quiet && now.Sub(modTime) >= quiet
}

type observation struct {
	size     int64
	modTime  int64
	lastSeen time.Time
}

// Tracker remembers when each incoming file was last seen changing. The
// last-seen time is reset only when size or modification time differ from
// the previous observation.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]observation
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]observation)}
}

// Stable records e and reports whether it is stable at now.
func (t *Tracker) Stable(e fsutil.Entry, now time.Time, quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs, ok := t.seen[e.Path]
	if !ok || obs.size != e.Size || obs.modTime != e.ModTime {
		obs = observation{size: e.Size, modTime: e.ModTime, lastSeen: now}
		t.seen[e.Path] = obs
	}
	return stableAt(now, obs.lastSeen, time.Unix(0, e.ModTime), quiet)
}

// Forget drops the observation for path.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	delete(t.seen, path)
	t.mu.Unlock()
}

// Retain drops observations for paths not in present.
func (t *Tracker) Retain(present map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.seen {
		if _, ok := present[p]; !ok {
			delete(t.seen, p)
		}
	}
}
