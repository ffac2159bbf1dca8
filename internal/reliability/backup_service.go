// Package reliability holds the operational safety nets: off-site snapshot
// backups of the system-of-record databases, WAL checkpoint maintenance, and
// the health service.
package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/database"
)

// BackupService snapshots the sqlite system-of-record files and uploads them
// to S3-compatible storage. The distributed store is deliberately excluded:
// it holds only short-lived state that replays from the databases.
type BackupService struct {
	databases map[string]*database.DB
	dataDir   string
	bucket    string
	uploader  *manager.Uploader
	log       zerolog.Logger
}

// S3Config points the backup service at an S3-compatible endpoint.
// Credentials come from the standard AWS environment variables.
type S3Config struct {
	Bucket   string
	Endpoint string // optional custom endpoint (R2, MinIO)
}

// NewBackupService creates the backup service. A nil uploader (empty bucket)
// disables uploads; local snapshots are still taken.
func NewBackupService(databases map[string]*database.DB, dataDir string, s3cfg S3Config, log zerolog.Logger) (*BackupService, error) {
	svc := &BackupService{
		databases: databases,
		dataDir:   dataDir,
		bucket:    s3cfg.Bucket,
		log:       log.With().Str("service", "backup").Logger(),
	}

	if s3cfg.Bucket != "" {
		opts := []func(*awsconfig.LoadOptions) error{}
		if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(key, os.Getenv("AWS_SECRET_ACCESS_KEY"), "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s3cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s3cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		svc.uploader = manager.NewUploader(client)
	}

	return svc, nil
}

// Name implements scheduler.Job.
func (s *BackupService) Name() string { return "reliability:backup" }

// Run implements scheduler.Job: snapshot every database with VACUUM INTO
// and upload the snapshots.
func (s *BackupService) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return s.CreateAndUploadBackup(ctx)
}

// CreateAndUploadBackup snapshots each database into a staging directory and
// uploads the files, checksummed, under a timestamped prefix.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) error {
	start := time.Now()
	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	prefix := time.Now().UTC().Format("20060102T150405")

	for name, db := range s.databases {
		snapPath := filepath.Join(stagingDir, name+".db")

		// Checkpoint first so the snapshot carries the full WAL contents.
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint before backup failed")
		}
		if _, err := db.Exec(`VACUUM INTO ?`, snapPath); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		checksum, err := fileChecksum(snapPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		if s.uploader != nil {
			if err := s.upload(ctx, snapPath, prefix+"/"+name+".db", checksum); err != nil {
				return err
			}
		}
		s.log.Debug().Str("database", name).Str("checksum", checksum).Msg("Database snapshot complete")
	}

	s.log.Info().
		Dur("elapsed", time.Since(start)).
		Int("databases", len(s.databases)).
		Bool("uploaded", s.uploader != nil).
		Msg("Backup complete")
	return nil
}

func (s *BackupService) upload(ctx context.Context, path, key, checksum string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]string{
			"sha256": checksum,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WALCheckpointJob forces TRUNCATE checkpoints on every database to keep WAL
// files from growing unbounded between backups.
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates the maintenance job.
func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name implements scheduler.Job.
func (j *WALCheckpointJob) Name() string { return "reliability:wal_checkpoint" }

// Run implements scheduler.Job.
func (j *WALCheckpointJob) Run() error {
	for name, db := range j.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("WAL checkpoint failed")
			return err
		}
	}
	return nil
}
