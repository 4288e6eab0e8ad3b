// Package archive exports receipts to S3 as JSONL batches for long-term
// audit retention. The hot store keeps recent receipts; the archive is the
// system of record once rows age out.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fieldops-hq/fieldops/pkg/canonicalize"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

// uploader is the slice of the S3 client the archiver needs.
type uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the S3 destination.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO or LocalStack
	Prefix   string
	// Interval between export passes.
	Interval time.Duration
	// BatchSize caps receipts per object.
	BatchSize int
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = "receipts"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Archiver periodically exports receipts newer than its cursor.
type Archiver struct {
	store  store.Store
	client uploader
	cfg    Config
	cursor time.Time
	logger *slog.Logger
}

// New connects to S3 and returns an archiver starting from the given cursor.
// A zero cursor exports everything.
func New(ctx context.Context, st store.Store, cfg Config, cursor time.Time, logger *slog.Logger) (*Archiver, error) {
	cfg.defaults()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:  st,
		client: client,
		cfg:    cfg,
		cursor: cursor,
		logger: logger.With("component", "archive"),
	}, nil
}

// newWithClient is the test seam.
func newWithClient(st store.Store, client uploader, cfg Config, cursor time.Time, logger *slog.Logger) *Archiver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: st, client: client, cfg: cfg, cursor: cursor, logger: logger.With("component", "archive")}
}

// Run exports on a fixed interval until ctx is cancelled. Export errors are
// logged and retried next tick; the cursor only advances after a successful
// upload, so a failed batch is re-exported rather than lost.
func (a *Archiver) Run(ctx context.Context) {
	a.logger.InfoContext(ctx, "archiver started",
		"bucket", a.cfg.Bucket, "interval", a.cfg.Interval)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopping")
			return
		case <-ticker.C:
			if _, err := a.ExportOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "export failed", "error", err)
			}
		}
	}
}

// ExportOnce uploads one batch of receipts newer than the cursor and returns
// how many were exported.
func (a *Archiver) ExportOnce(ctx context.Context) (int, error) {
	receipts, err := a.store.ReceiptsSince(ctx, a.cursor, a.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scan receipts: %w", err)
	}
	if len(receipts) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range receipts {
		if err := enc.Encode(r); err != nil {
			return 0, fmt.Errorf("encode receipt %s: %w", r.ID, err)
		}
	}

	// The key carries a content digest so a re-exported batch is detectable
	// without fetching the object.
	last := receipts[len(receipts)-1].CreatedAt
	digest := canonicalize.HashBytes(buf.Bytes())
	key := fmt.Sprintf("%s/%s/%s-%s.jsonl",
		a.cfg.Prefix, last.UTC().Format("2006/01/02"),
		last.UTC().Format("20060102T150405.000000000Z"), digest[:12])
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}

	a.cursor = last
	a.logger.InfoContext(ctx, "exported receipts", "count", len(receipts), "key", key)
	return len(receipts), nil
}

// Cursor returns the archiver's high-water mark.
func (a *Archiver) Cursor() time.Time { return a.cursor }
