package mediaqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	defaultMaxWidth    = 1280
	defaultJPEGQuality = 70

	compressedSuffix = ".sync.jpg"
)

// Compressor shrinks a captured asset before it is enqueued, bounding
// on-disk growth while items wait for connectivity.
type Compressor interface {
	Compress(sourcePath string) (string, error)
}

// ImageCompressor resizes images to a bounded width and re-encodes them as
// JPEG at reduced quality. WebP sources decode via the registered decoder;
// everything re-encodes to JPEG regardless of origin format.
type ImageCompressor struct {
	maxWidth int
	quality  int
}

// ImageCompressorConfig carries the settings for an ImageCompressor.
type ImageCompressorConfig struct {
	MaxWidth int
	Quality  int
}

// NewImageCompressor returns an ImageCompressor, applying defaults for
// unset bounds.
func NewImageCompressor(cfg ImageCompressorConfig) *ImageCompressor {
	maxWidth := cfg.MaxWidth
	if maxWidth <= 0 {
		maxWidth = defaultMaxWidth
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	return &ImageCompressor{maxWidth: maxWidth, quality: quality}
}

// Compress writes the compressed copy next to the source and returns its
// path. The source file is left untouched; the queue deletes originals only
// through its own lifecycle.
func (c *ImageCompressor) Compress(sourcePath string) (string, error) {
	img, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", sourcePath, err)
	}

	if img.Bounds().Dx() > c.maxWidth {
		img = imaging.Resize(img, c.maxWidth, 0, imaging.Lanczos)
	}

	destPath := compressedPath(sourcePath)
	if err := imaging.Save(img, destPath, imaging.JPEGQuality(c.quality)); err != nil {
		return "", fmt.Errorf("encode %s: %w", destPath, err)
	}

	return destPath, nil
}

func compressedPath(sourcePath string) string {
	ext := filepath.Ext(sourcePath)
	return strings.TrimSuffix(sourcePath, ext) + compressedSuffix
}

// removeFile deletes a local file, tolerating files already gone.
func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
