package booksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures dead-letter export to S3 or an S3-compatible
// service.
type ArchiveConfig struct {
	Enabled bool
	Bucket  string
	Region  string
	// Endpoint overrides the AWS endpoint for S3-compatible services
	// (MinIO, etc.)
	Endpoint string
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// instead of setting these directly. DO NOT commit credentials to
	// source control.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing

	// MaxRetries is the max upload attempts per record (default: 3).
	MaxRetries int
}

// s3Putter is the slice of the S3 API the archive uses, injectable in tests.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DeadLetterArchive exports terminal outbox failures to object storage so
// they survive device loss and can be inspected or replayed server-side.
// Records are never removed from the local queue by the archive; operator
// acknowledgement stays a local decision.
type DeadLetterArchive struct {
	client  s3Putter
	config  ArchiveConfig
	backoff BackoffConfig
	logger  *slog.Logger

	mu       sync.Mutex
	exported int64
	failed   int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// archivedRecord is the JSON object written per dead-lettered change.
type archivedRecord struct {
	ArchivedAt time.Time    `json:"archived_at"`
	Record     ChangeRecord `json:"record"`
}

// NewDeadLetterArchive builds the archive client.
func NewDeadLetterArchive(cfg ArchiveConfig, logger *slog.Logger) (*DeadLetterArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &DeadLetterArchive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		backoff: BackoffConfig{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.1,
		},
		logger: logger,
	}, nil
}

// key builds the object key for a record: prefix/tenant/date/changeID.json.
func (a *DeadLetterArchive) key(rec ChangeRecord, at time.Time) string {
	return fmt.Sprintf("%s%s/%s/%s.json",
		a.config.Prefix, rec.TenantID, at.UTC().Format("2006-01-02"), rec.ID)
}

// Export uploads one dead-lettered record, retrying transient failures.
func (a *DeadLetterArchive) Export(ctx context.Context, rec ChangeRecord) error {
	now := time.Now()
	body, err := json.Marshal(archivedRecord{ArchivedAt: now, Record: rec})
	if err != nil {
		return fmt.Errorf("encode archived record: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.backoff.Delay(attempt - 1)):
			}
		}
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.config.Bucket),
			Key:         aws.String(a.key(rec, now)),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err == nil {
			a.mu.Lock()
			a.exported++
			a.mu.Unlock()
			return nil
		}
		lastErr = err
	}

	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
	return fmt.Errorf("archive put object: %w", lastErr)
}

// Watch consumes terminal failures from the channel and exports each one in
// the background until Stop is called.
func (a *DeadLetterArchive) Watch(failures <-chan ChangeRecord) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-failures:
				if !ok {
					return
				}
				exportCtx, exportCancel := context.WithTimeout(ctx, 30*time.Second)
				if err := a.Export(exportCtx, rec); err != nil {
					a.logger.Error("dead-letter export failed",
						"change_id", rec.ID, "entity", rec.EntityID, "err", err)
				} else {
					a.logger.Info("dead-letter archived",
						"change_id", rec.ID, "entity_type", rec.EntityType)
				}
				exportCancel()
			}
		}
	}()
}

// Stop halts the background watcher.
func (a *DeadLetterArchive) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// ArchiveStats reports export counters.
type ArchiveStats struct {
	Exported int64 `json:"exported"`
	Failed   int64 `json:"failed"`
}

// Stats returns export counters.
func (a *DeadLetterArchive) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ArchiveStats{Exported: a.exported, Failed: a.failed}
}
