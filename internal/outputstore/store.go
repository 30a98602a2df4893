// Package outputstore persists full agent session logs. Every session gets a
// local log file; when an S3 bucket is configured the log is also mirrored
// there so excerpts in task results can link to the full transcript.
package outputstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Store writes session logs under a local directory with optional S3
// mirroring.
type Store struct {
	dir    string
	bucket string
	prefix string
	s3c    *s3.Client
}

// New creates a Store rooted at dir. bucket may be empty to disable
// mirroring.
func New(ctx context.Context, dir, bucket, prefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output store dir: %w", err)
	}
	st := &Store{dir: dir, bucket: bucket, prefix: prefix}
	if bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for log mirror: %w", err)
		}
		st.s3c = s3.NewFromConfig(awsCfg)
	}
	return st, nil
}

// LocalPath returns the on-disk log path for a task.
func (s *Store) LocalPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".log")
}

// Create opens the local log file for a task, truncating any previous
// attempt's log.
func (s *Store) Create(taskID string) (*os.File, error) {
	f, err := os.Create(s.LocalPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("creating session log: %w", err)
	}
	return f, nil
}

// Mirror uploads the task's local log to S3 and returns the object URL. With
// no bucket configured it returns the local path. The key carries a random
// suffix so retried tasks never overwrite an earlier attempt's transcript.
func (s *Store) Mirror(ctx context.Context, taskID string) (string, error) {
	local := s.LocalPath(taskID)
	if s.s3c == nil {
		return local, nil
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return local, fmt.Errorf("reading session log: %w", err)
	}

	key := fmt.Sprintf("%s-%s.log", taskID, uuid.NewString())
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	_, err = s.s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return local, fmt.Errorf("mirroring session log to s3: %w", err)
	}

	url := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	slog.Debug("session log mirrored", "task_id", taskID, "url", url)
	return url, nil
}
