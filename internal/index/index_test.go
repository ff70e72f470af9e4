package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsEmpty(t *testing.T) {
	idx := Load(filepath.Join(t.TempDir(), "processed_hashes.json"), nil)
	assert.Equal(t, 0, idx.Len())
	assert.False(t, idx.Contains("x"))
}

func TestLoadCorruptIsEmpty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "processed_hashes.json")
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))
	idx := Load(p, nil)
	assert.Equal(t, 0, idx.Len())
}

func TestRecordPersistsAndReloads(t *testing.T) {
	p := filepath.Join(t.TempDir(), "processed_hashes.json")
	idx := Load(p, nil)
	require.NoError(t, idx.Record("aaa"))
	require.NoError(t, idx.Record("bbb"))
	require.NoError(t, idx.Record("aaa"))

	reloaded := Load(p, nil)
	assert.Equal(t, 2, reloaded.Len())
	assert.True(t, reloaded.Contains("aaa"))
	assert.True(t, reloaded.Contains("bbb"))

	list, err := ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, list)
}

func TestPersistFailureKeepsMemory(t *testing.T) {
	p := filepath.Join(t.TempDir(), "missing-dir", "processed_hashes.json")
	idx := Load(p, nil)
	err := idx.Record("aaa")
	require.Error(t, err)
	assert.True(t, idx.Contains("aaa"))
}

func TestConcurrentRecord(t *testing.T) {
	p := filepath.Join(t.TempDir(), "processed_hashes.json")
	idx := Load(p, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = idx.Record(fmt.Sprintf("fp-%d", i%25))
			_ = idx.Contains("fp-0")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, idx.Len())
	assert.Equal(t, 25, Load(p, nil).Len())
}
