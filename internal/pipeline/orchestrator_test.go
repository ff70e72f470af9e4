package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/config"
	"document-intake/internal/extract"
	"document-intake/internal/fingerprint"
	"document-intake/internal/index"
	"document-intake/internal/intake"
	"document-intake/internal/models"
)

type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) extractor(delay time.Duration) extract.Extractor {
	return extract.Func(func(_ context.Context, path string) (models.ExtractionResult, error) {
		c.mu.Lock()
		if c.calls == nil {
			c.calls = map[string]int{}
		}
		c.calls[filepath.Base(path)]++
		c.mu.Unlock()
		time.Sleep(delay)
		return models.ExtractionResult{Success: true, PlainText: "text", Markdown: "md", Engine: "stub"}, nil
	})
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	return config.Config{
		Layout:            layout,
		StateFile:         filepath.Join(layout.State, "processed_hashes.json"),
		PollInterval:      20 * time.Millisecond,
		StabilityWindow:   0,
		MaxParallelism:    2,
		ChannelCapacity:   4,
		MaxRetries:        1,
		RetryBaseDelay:    time.Millisecond,
		ExtractTimeout:    time.Second,
		QueueName:         "test",
		VisibilityTimeout: time.Minute,
	}
}

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(p, old, old))
	return p
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := []string{}
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func start(t *testing.T, o *Orchestrator) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("orchestrator did not stop")
			return nil
		}
	}
}

func contains(list []string, want ...string) bool {
	set := map[string]struct{}{}
	for _, l := range list {
		set[l] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	c := &counter{}
	o, err := New(cfg, Deps{Extractor: c.extractor(0)}, nil)
	require.NoError(t, err)

	write(t, cfg.Layout.Incoming, "solo.pdf", "solo")
	write(t, cfg.Layout.Incoming, "inv.tif", "page 1")
	write(t, cfg.Layout.Incoming, "inv-1.tif", "page 2")
	write(t, cfg.Layout.Incoming, "orphan-1.tif", "orphan")

	stop := start(t, o)
	require.Eventually(t, func() bool {
		return contains(names(t, cfg.Layout.Processed),
			"solo.pdf", "solo.pdf.result.json",
			"inv.tif", "inv-1.tif", "inv.tif.result.json",
			"orphan-1.tif", "orphan-1.tif.result.json")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, 4, c.total())
	assert.Empty(t, names(t, cfg.Layout.Incoming))
	assert.Empty(t, names(t, cfg.Layout.Staging))
	assert.Empty(t, names(t, cfg.Layout.Processing))

	persisted, err := index.ReadFile(cfg.StateFile)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	raw, err := os.ReadFile(filepath.Join(cfg.Layout.Processed, "inv.tif.result.json"))
	require.NoError(t, err)
	var merged models.MergedResultRecord
	require.NoError(t, json.Unmarshal(raw, &merged))
	assert.Equal(t, []string{"inv.tif", "inv-1.tif"}, merged.Members)
}

func TestPipelineBackpressureDeliversEverything(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxParallelism = 1
	cfg.ChannelCapacity = 2
	c := &counter{}
	o, err := New(cfg, Deps{Extractor: c.extractor(30 * time.Millisecond)}, nil)
	require.NoError(t, err)

	const jobs = 2 + 5
	for i := 0; i < jobs; i++ {
		write(t, cfg.Layout.Incoming, fmt.Sprintf("doc%02d.pdf", i), fmt.Sprintf("content %d", i))
	}

	stop := start(t, o)
	require.Eventually(t, func() bool {
		n := 0
		for _, name := range names(t, cfg.Layout.Processed) {
			if filepath.Ext(name) == ".pdf" {
				n++
			}
		}
		return n == jobs
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, jobs, c.total())
	assert.Empty(t, names(t, cfg.Layout.Failed))
}

func TestPipelineSkipsIndexedContent(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Layout.Ensure())
	p := write(t, cfg.Layout.Incoming, "again.pdf", "seen before")
	fp, err := fingerprint.File(p)
	require.NoError(t, err)
	seed, err := json.Marshal([]string{fp})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.StateFile, seed, 0o644))

	c := &counter{}
	o, err := New(cfg, Deps{Extractor: c.extractor(0)}, nil)
	require.NoError(t, err)
	stop := start(t, o)
	require.Eventually(t, func() bool {
		return contains(names(t, cfg.Layout.Processed), "again.pdf")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
	assert.Zero(t, c.total())
}

func TestRecoverRequeuesInterruptedWork(t *testing.T) {
	cfg := testConfig(t)
	c := &counter{}
	o, err := New(cfg, Deps{Extractor: c.extractor(0)}, nil)
	require.NoError(t, err)
	l := cfg.Layout

	// crashed mid-job: a single and a pair whose descriptor already settled
	write(t, l.Processing, "a.pdf", "a")
	write(t, l.Processing, "inv.tif", "inv 1")
	write(t, l.Processing, "inv-1.tif", "inv 2")
	// dispatched but never picked up
	write(t, l.Staging, "b.pdf", "b")
	c1 := write(t, l.Staging, "c.tif", "c 1")
	c2 := write(t, l.Staging, "c-1.tif", "c 2")
	_, err = intake.WriteDescriptor(l.Staging, []string{c1, c2})
	require.NoError(t, err)

	queued, err := o.Recover()
	require.NoError(t, err)
	assert.Equal(t, 4, queued)
	assert.Equal(t, 4, o.scanner.Pending())
	assert.Empty(t, names(t, l.Processing))
	assert.Contains(t, names(t, l.Staging), "inv.pair.json")

	stop := start(t, o)
	require.Eventually(t, func() bool {
		return contains(names(t, l.Processed),
			"a.pdf", "b.pdf", "inv.tif", "inv-1.tif", "c.tif", "c-1.tif",
			"inv.tif.result.json", "c.tif.result.json")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 6, c.total())
	assert.Empty(t, names(t, l.Staging))
}

func TestPipelineDurableQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t)
	cfg.UseExternalQueue = true
	c := &counter{}
	o, err := New(cfg, Deps{Extractor: c.extractor(0), Redis: client}, nil)
	require.NoError(t, err)

	write(t, cfg.Layout.Incoming, "a.pdf", "a")
	write(t, cfg.Layout.Incoming, "b.pdf", "b")

	stop := start(t, o)
	require.Eventually(t, func() bool {
		return contains(names(t, cfg.Layout.Processed), "a.pdf", "b.pdf")
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		st := o.Status(context.Background())
		return st.Durable != nil && st.Durable.Inflight == 0 && st.Durable.Ready == 0
	}, 2*time.Second, 20*time.Millisecond)
	st := o.Status(context.Background())
	assert.Equal(t, "durable", st.Dispatcher)
	assert.Zero(t, st.Durable.DLQ)
	require.NoError(t, stop())
	assert.Equal(t, 2, c.total())
}

func TestNewRequiresRedisForExternalQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseExternalQueue = true
	_, err := New(cfg, Deps{Extractor: (&counter{}).extractor(0)}, nil)
	require.Error(t, err)
}

func TestDeadLetterRequeueReprocessesFailedJob(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t)
	cfg.UseExternalQueue = true
	var broken atomic.Bool
	broken.Store(true)
	ex := extract.Func(func(_ context.Context, path string) (models.ExtractionResult, error) {
		if broken.Load() {
			return models.ExtractionResult{}, fmt.Errorf("cannot read %s", filepath.Base(path))
		}
		return models.ExtractionResult{Success: true, PlainText: "text", Engine: "stub"}, nil
	})
	o, err := New(cfg, Deps{Extractor: ex, Redis: client}, nil)
	require.NoError(t, err)
	q := o.durable.Queue()
	ctx := context.Background()

	write(t, cfg.Layout.Incoming, "a.pdf", "a")
	stop := start(t, o)
	require.Eventually(t, func() bool {
		n, _ := q.DLQDepth(ctx)
		return n == 1 && contains(names(t, cfg.Layout.Failed), "a.pdf")
	}, 5*time.Second, 20*time.Millisecond)

	letters, err := o.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, []string{filepath.Join(cfg.Layout.Failed, "a.pdf")}, letters[0].Files)

	broken.Store(false)
	n, err := q.DLQRequeue(ctx, 10, intake.ResubmitDeadLetter(cfg.Layout))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		return contains(names(t, cfg.Layout.Processed), "a.pdf", "a.pdf.result.json")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
	depth, err := q.DLQDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Empty(t, names(t, cfg.Layout.Failed))
}

func TestOrphansInProcessingAreReclaimed(t *testing.T) {
	cfg := testConfig(t)
	c := &counter{}
	o, err := New(cfg, Deps{Extractor: c.extractor(0)}, nil)
	require.NoError(t, err)
	stop := start(t, o)

	// left behind by jobs whose restage failed while the daemon kept running
	l := cfg.Layout
	write(t, l.Processing, "late.pdf", "late")
	write(t, l.Processing, "inv.tif", "inv 1")
	write(t, l.Processing, "inv-1.tif", "inv 2")
	write(t, l.Processing, "inv.pair.json", `{"Files":["/gone/inv.tif","/gone/inv-1.tif"]}`)

	require.Eventually(t, func() bool {
		return contains(names(t, l.Processed),
			"late.pdf", "late.pdf.result.json",
			"inv.tif", "inv-1.tif", "inv.tif.result.json")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
	assert.Empty(t, names(t, l.Processing))
	assert.Empty(t, names(t, l.Staging))
	assert.Equal(t, 3, c.total())
}

func TestSweepReclaimsOnSecondSighting(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg, Deps{Extractor: (&counter{}).extractor(0)}, nil)
	require.NoError(t, err)
	p := write(t, cfg.Layout.Processing, "a.pdf", "a")

	suspects := o.sweepOrphans(map[string]struct{}{})
	assert.Contains(t, suspects, p, "first sighting only marks a suspect")
	assert.FileExists(t, p)

	o.sweepOrphans(suspects)
	assert.NoFileExists(t, p)
	assert.FileExists(t, filepath.Join(cfg.Layout.Staging, "a.pdf"))
	assert.Equal(t, 1, o.scanner.Pending())
}
