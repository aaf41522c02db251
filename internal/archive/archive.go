// Package archive snapshots the SQLite database, encrypts the snapshot,
// and uploads it to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the service uses, for testability.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

type Config struct {
	S3         S3Config
	Passphrase string
	// Prefix namespaces archive keys in the bucket. Defaults to "archives".
	Prefix string
	// RetentionDays bounds how long archives are kept. Defaults to 30.
	RetentionDays int
	// ScheduleHour is the UTC hour of the daily snapshot.
	ScheduleHour int
}

// Service runs scheduled and on-demand encrypted database archives.
type Service struct {
	cfg    Config
	db     *sql.DB
	client s3API
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastArchive *time.Time
	lastRunDay  string
}

func NewService(cfg Config, db *sql.DB, logger *slog.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "archives"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	s := &Service{cfg: cfg, db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if s.Enabled() {
		s.client = newS3Client(cfg.S3)
	}
	return s
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether storage credentials and a passphrase are configured.
func (s *Service) Enabled() bool {
	return s.cfg.S3.Bucket != "" && s.cfg.S3.AccessKey != "" && s.cfg.S3.SecretKey != "" && s.cfg.Passphrase != ""
}

// LastArchive returns the completion time of the most recent snapshot.
func (s *Service) LastArchive() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastArchive
}

// Run executes the daily snapshot schedule until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Info("archives disabled")
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	now := s.now()
	day := now.Format("2006-01-02")

	s.mu.Lock()
	due := now.Hour() == s.cfg.ScheduleHour && s.lastRunDay != day
	if due {
		s.lastRunDay = day
	}
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.Snapshot(ctx); err != nil {
		s.logger.Error("scheduled archive failed", "error", err)
		return
	}
	if err := s.Cleanup(ctx); err != nil {
		s.logger.Error("archive cleanup failed", "error", err)
	}
}

// Snapshot writes a consistent copy of the database with VACUUM INTO,
// encrypts it, and uploads it under a timestamped key. Returns the key.
func (s *Service) Snapshot(ctx context.Context) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("archives not configured")
	}

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("metergate-archive-%d.db", s.now().UnixNano()))
	defer os.Remove(tmp)

	// VACUUM INTO produces a compacted, transactionally-consistent copy
	// without blocking writers for the duration of the upload.
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}

	plaintext, err := os.ReadFile(tmp)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	sealed, err := Encrypt(plaintext, s.cfg.Passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("encrypt snapshot: %w", err)
	}

	key := fmt.Sprintf("%s/metergate-%s.db.enc", s.cfg.Prefix, s.now().Format("2006-01-02T150405Z"))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	s.lastArchive = &now
	s.mu.Unlock()

	s.logger.Info("archive uploaded", "key", key, "bytes", len(sealed))
	return key, nil
}

// Fetch downloads and decrypts an archived snapshot.
func (s *Service) Fetch(ctx context.Context, key string) ([]byte, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("archives not configured")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	defer out.Body.Close()

	sealed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return Decrypt(sealed, s.cfg.Passphrase)
}

// Cleanup deletes archives older than the retention period, judging age
// from the object's stored timestamp.
func (s *Service) Cleanup(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Prefix: aws.String(s.cfg.Prefix + "/"),
	})
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	for _, obj := range list.Contents {
		if obj.Key == nil || obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
			continue
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.S3.Bucket),
			Key:    obj.Key,
		}); err != nil {
			s.logger.Warn("delete expired archive", "key", *obj.Key, "error", err)
			continue
		}
		s.logger.Info("expired archive deleted", "key", *obj.Key)
	}
	return nil
}
