// Package archive files completed run reports to cold storage. Archival is
// best-effort: the authoritative result lives in the task store, so a failed
// write is logged and otherwise ignored.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/config"
)

// Backend is the blob store behind the archive.
type Backend interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Archiver lays reports out as runs/<year>/<month>/<task_id>.json.
type Archiver struct {
	backend Backend
	logger  *zap.Logger
}

// NewFromConfig builds the configured backend. Returns nil when archival is
// disabled; callers treat a nil Archiver as a no-op.
func NewFromConfig(cfg config.ArchiveConfig, logger *zap.Logger) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case "localfs":
		backend, err = NewLocalFS(cfg.Path)
	case "s3":
		backend, err = NewS3(S3Options{
			Bucket:    cfg.S3.Bucket,
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown archive type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return &Archiver{backend: backend, logger: logger}, nil
}

func New(backend Backend, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{backend: backend, logger: logger}
}

func reportKey(taskID string, completedAt time.Time) string {
	return fmt.Sprintf("runs/%04d/%02d/%s.json", completedAt.Year(), completedAt.Month(), taskID)
}

// Store writes one completed report.
func (a *Archiver) Store(ctx context.Context, taskID string, completedAt time.Time, payload []byte) error {
	if a == nil {
		return nil
	}
	key := reportKey(taskID, completedAt)
	if err := a.backend.Write(ctx, key, payload); err != nil {
		a.logger.Warn("report archive write failed",
			zap.String("task_id", taskID),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

// Find locates a report by task id, scanning across months.
func (a *Archiver) Find(ctx context.Context, taskID string) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("archive disabled")
	}
	keys, err := a.backend.List(ctx, "runs/")
	if err != nil {
		return nil, err
	}
	suffix := "/" + taskID + ".json"
	for _, key := range keys {
		if strings.HasSuffix(key, suffix) {
			return a.backend.Read(ctx, key)
		}
	}
	return nil, fmt.Errorf("report for task %s not archived", taskID)
}
