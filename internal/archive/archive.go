// Package archive persists result records: always to the processed
// directory, optionally mirrored to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"document-intake/internal/config"
	"document-intake/internal/fsutil"
)

// Uploader stores one object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Writer writes result records next to the job in the processed directory
// and mirrors them when a mirror is configured.
type Writer struct {
	local  Uploader
	mirror Uploader
	logger *slog.Logger
}

// NewWriter builds a writer rooted at dir. mirror may be nil.
func NewWriter(dir string, mirror Uploader, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{local: &localUploader{baseDir: dir}, mirror: mirror, logger: logger}
}

// FromConfig builds the writer, adding the S3 mirror when a bucket is set.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Writer, error) {
	var mirror Uploader
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		mirror = &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}
	}
	return NewWriter(cfg.Layout.Processed, mirror, logger), nil
}

// Write stores record as <name>.json locally and returns the local path.
// Mirror failures are logged only.
func (w *Writer) Write(ctx context.Context, name, fingerprint string, record any) (string, error) {
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	path, err := w.local.Upload(ctx, sanitizeKey(name)+".json", body, "application/json")
	if err != nil {
		return "", fmt.Errorf("write record: %w", err)
	}
	if w.mirror != nil && fingerprint != "" {
		loc, err := w.mirror.Upload(ctx, "results/"+fingerprint+".json", body, "application/json")
		if err != nil {
			w.logger.Warn("result mirror failed", "fingerprint", fingerprint, "error", err)
		} else {
			w.logger.Debug("result mirrored", "location", loc)
		}
	}
	return path, nil
}

func sanitizeKey(key string) string {
	key = filepath.Base(filepath.Clean(key))
	return strings.TrimPrefix(key, ".")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := fsutil.FreePath(filepath.Join(l.baseDir, key))
	if err := fsutil.WriteFileAtomic(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
