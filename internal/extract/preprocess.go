package extract

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// preprocess prepares a scan for OCR: it decodes any format imaging reads
// (TIFF and BMP included), converts to grayscale, shrinks the longest side to
// maxDim and writes a PNG into a fresh temp dir. The caller removes the dir.
func preprocess(path string, maxDim int) (string, string, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", "", fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return "", "", fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}

	var img image.Image = imaging.Grayscale(src)
	if w, h := scaledSize(b.Dx(), b.Dy(), maxDim); w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
		img = dst
	}

	dir, err := os.MkdirTemp("", "intake-ocr-*")
	if err != nil {
		return "", "", fmt.Errorf("temp dir: %w", err)
	}
	out := filepath.Join(dir, "page.png")
	if err := imaging.Save(img, out); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("encode png: %w", err)
	}
	return out, dir, nil
}

// scaledSize fits w x h within maxDim on the longest side, keeping the aspect
// ratio. A non-positive maxDim disables scaling.
func scaledSize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := h * maxDim / w
		if nh == 0 {
			nh = 1
		}
		return maxDim, nh
	}
	nw := w * maxDim / h
	if nw == 0 {
		nw = 1
	}
	return nw, maxDim
}
