// Package extract turns a document file into text. The pipeline only depends
// on the Extractor interface; CLI is the bundled implementation.
package extract

import (
	"context"

	"document-intake/internal/models"
)

// Extractor extracts text from one file. A returned error is a transport
// failure; a result with Success=false is an extraction the engine rejected.
// Both count as a failed attempt.
type Extractor interface {
	Extract(ctx context.Context, path string) (models.ExtractionResult, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, path string) (models.ExtractionResult, error)

func (f Func) Extract(ctx context.Context, path string) (models.ExtractionResult, error) {
	return f(ctx, path)
}
