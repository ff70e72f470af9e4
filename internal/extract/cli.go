package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"document-intake/internal/config"
	"document-intake/internal/models"
)

const (
	EnginePdftotext = "pdftotext"
	EngineTesseract = "tesseract"
	EnginePlaintext = "plaintext"
)

var imageExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".tif": {}, ".tiff": {}, ".bmp": {}, ".gif": {},
}

// CLI extracts text with locally installed binaries: pdftotext for PDFs and
// tesseract for images. Plain text files are read as-is.
type CLI struct {
	pdftotext string
	tesseract string
	lang      string
	maxDim    int
	runner    Runner
	logger    *slog.Logger
}

type CLIOption func(*CLI)

// WithRunner replaces the command runner.
func WithRunner(r Runner) CLIOption {
	return func(c *CLI) {
		if r != nil {
			c.runner = r
		}
	}
}

// NewCLI builds the extractor from config.
func NewCLI(cfg config.Config, logger *slog.Logger, opts ...CLIOption) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CLI{
		pdftotext: orDefault(cfg.PdftotextBin, "pdftotext"),
		tesseract: orDefault(cfg.TesseractBin, "tesseract"),
		lang:      orDefault(cfg.TesseractLang, "eng"),
		maxDim:    cfg.OCRMaxDimension,
		runner:    execRunner{logger: logger},
		logger:    logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *CLI) Extract(ctx context.Context, path string) (models.ExtractionResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.ExtractionResult{}, fmt.Errorf("stat input: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))

	var text, engine string
	switch {
	case ext == ".pdf":
		engine = EnginePdftotext
		text, err = c.pdf(ctx, path)
	case ext == ".txt":
		engine = EnginePlaintext
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	default:
		if _, ok := imageExts[ext]; !ok {
			return models.ExtractionResult{
				Success:      false,
				ErrorMessage: fmt.Sprintf("unsupported file type %q", ext),
			}, nil
		}
		engine = EngineTesseract
		text, err = c.image(ctx, path)
	}
	if err != nil {
		return models.ExtractionResult{Engine: engine}, err
	}

	text = strings.TrimRight(text, "\f\n ")
	pages := splitPages(text)
	meta := map[string]any{
		"pages":      len(pages),
		"bytes":      info.Size(),
		"source_ext": ext,
	}
	if engine == EngineTesseract {
		meta["lang"] = c.lang
	}
	return models.ExtractionResult{
		Success:   true,
		PlainText: text,
		Markdown:  toMarkdown(pages),
		Engine:    engine,
		Metadata:  meta,
	}, nil
}

func (c *CLI) pdf(ctx context.Context, path string) (string, error) {
	out, stderr, err := c.runner.Run(ctx, c.pdftotext, "-layout", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(truncate(string(stderr), 512)))
	}
	return string(out), nil
}

func (c *CLI) image(ctx context.Context, path string) (string, error) {
	prepared, dir, err := preprocess(path, c.maxDim)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	out, stderr, err := c.runner.Run(ctx, c.tesseract, prepared, "stdout", "-l", c.lang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(truncate(string(stderr), 512)))
	}
	return string(out), nil
}

// splitPages splits on form feeds, which both pdftotext and tesseract emit
// between pages.
func splitPages(text string) []string {
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\f")
}

func toMarkdown(pages []string) string {
	var b strings.Builder
	for i, p := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Page %d\n\n%s", i+1, strings.TrimSpace(p))
	}
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
