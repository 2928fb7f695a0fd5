package gridsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver receives best-effort snapshots of documents and the budget book
// after each accepted write. Archive failures are logged by the caller and
// never fail the write that triggered them.
type Archiver interface {
	ArchiveDocument(ctx context.Context, doc *Document) error
	ArchiveBudgetBook(ctx context.Context, bb *BudgetBook) error
}

// S3Archiver writes JSON snapshots to S3 or an S3-compatible service.
// Objects are keyed by document id (latest snapshot only); this is a
// recovery copy, not a version history.
type S3Archiver struct {
	client *s3.Client
	cfg    ArchiveConfig
}

// NewS3Archiver creates an archiver from config.
func NewS3Archiver(cfg ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Build AWS config options
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
	}, nil
}

func (a *S3Archiver) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("archive marshal failed: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.cfg.Prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

// ArchiveDocument uploads the latest snapshot of a document.
func (a *S3Archiver) ArchiveDocument(ctx context.Context, doc *Document) error {
	return a.put(ctx, "documents/"+doc.DocumentID+".json", doc)
}

// ArchiveBudgetBook uploads the latest snapshot of the budget book.
func (a *S3Archiver) ArchiveBudgetBook(ctx context.Context, bb *BudgetBook) error {
	return a.put(ctx, "budget-book.json", bb)
}
