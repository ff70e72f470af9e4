package extract

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-intake/internal/config"
)

type call struct {
	name string
	args []string
}

type stubRunner struct {
	mu     sync.Mutex
	calls  []call
	out    string
	err    error
	onCall func(name string, args []string)
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{name: name, args: args})
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(name, args)
	}
	if s.err != nil {
		return nil, []byte("bad input"), s.err
	}
	return []byte(s.out), nil, nil
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	// red, so grayscale output must have equal channels
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestCLIPdf(t *testing.T) {
	p := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4"), 0o644))

	r := &stubRunner{out: "first page\fsecond page\f"}
	c := NewCLI(config.Config{PdftotextBin: "/usr/bin/pdftotext"}, nil, WithRunner(r))
	res, err := c.Extract(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, EnginePdftotext, res.Engine)
	assert.Equal(t, "first page\fsecond page", res.PlainText)
	assert.Equal(t, "## Page 1\n\nfirst page\n\n## Page 2\n\nsecond page", res.Markdown)
	assert.Equal(t, 2, res.Metadata["pages"])
	require.Len(t, r.calls, 1)
	assert.Equal(t, "/usr/bin/pdftotext", r.calls[0].name)
	assert.Equal(t, []string{"-layout", p, "-"}, r.calls[0].args)
}

func TestCLIImagePreprocessed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "scan.png")
	writePNG(t, p, 40, 20)

	var seen image.Image
	r := &stubRunner{out: "hello"}
	r.onCall = func(_ string, args []string) {
		img, err := imaging.Open(args[0])
		require.NoError(t, err)
		seen = img
	}
	c := NewCLI(config.Config{TesseractLang: "deu", OCRMaxDimension: 10}, nil, WithRunner(r))
	res, err := c.Extract(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, EngineTesseract, res.Engine)
	assert.Equal(t, "deu", res.Metadata["lang"])
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"stdout", "-l", "deu"}, r.calls[0].args[1:])

	require.NotNil(t, seen)
	assert.Equal(t, 10, seen.Bounds().Dx())
	assert.Equal(t, 5, seen.Bounds().Dy())
	cr, cg, cb, _ := seen.At(2, 2).RGBA()
	assert.Equal(t, cr, cg)
	assert.Equal(t, cg, cb)

	_, err = os.Stat(r.calls[0].args[0])
	assert.True(t, os.IsNotExist(err), "temp image must be cleaned up")
}

func TestCLIPlainText(t *testing.T) {
	p := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(p, []byte("just text\n"), 0o644))
	r := &stubRunner{}
	res, err := NewCLI(config.Config{}, nil, WithRunner(r)).Extract(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, EnginePlaintext, res.Engine)
	assert.Equal(t, "just text", res.PlainText)
	assert.Empty(t, r.calls)
}

func TestCLIUnsupported(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sheet.xlsx")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	res, err := NewCLI(config.Config{}, nil, WithRunner(&stubRunner{})).Extract(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, ".xlsx")
}

func TestCLIRunnerFailure(t *testing.T) {
	p := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF"), 0o644))
	boom := errors.New("exit status 1")
	_, err := NewCLI(config.Config{}, nil, WithRunner(&stubRunner{err: boom})).Extract(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad input")
}

func TestScaledSize(t *testing.T) {
	tests := []struct{ w, h, max, ww, wh int }{
		{100, 50, 0, 100, 50},
		{100, 50, 200, 100, 50},
		{4000, 2000, 1000, 1000, 500},
		{2000, 4000, 1000, 500, 1000},
		{5000, 1, 100, 100, 1},
	}
	for _, tt := range tests {
		w, h := scaledSize(tt.w, tt.h, tt.max)
		assert.Equal(t, tt.ww, w)
		assert.Equal(t, tt.wh, h)
	}
}
