// Package logarchive uploads step transcripts of terminal runs to object
// storage so they outlive the run store's retention.
package logarchive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/quarry-labs/quarry-go/internal/domain"
)

// ObjectPutter is the subset of *minio.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver writes one object per executed step under
// runs/<runID>/<stepID>.log in the configured bucket.
type Archiver struct {
	client ObjectPutter
	bucket string
}

func New(client ObjectPutter, bucket string) *Archiver {
	if client == nil || bucket == "" {
		return nil
	}
	return &Archiver{client: client, bucket: bucket}
}

// ArchiveRun uploads the transcript of every step that produced output.
// Steps still pending, or with empty transcripts, are skipped. The first
// upload error aborts the pass.
func (a *Archiver) ArchiveRun(ctx context.Context, run domain.Run) error {
	for _, job := range run.Jobs {
		for _, step := range job.Steps {
			if step.Status == domain.StepStatusPending || step.Output == "" {
				continue
			}
			key := ObjectKey(run.ID, step.ID)
			reader := strings.NewReader(step.Output)
			_, err := a.client.PutObject(ctx, a.bucket, key, reader, int64(len(step.Output)), minio.PutObjectOptions{
				ContentType: "text/plain; charset=utf-8",
			})
			if err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
		}
	}
	return nil
}

// ObjectKey returns the bucket key for one step transcript.
func ObjectKey(runID, stepID string) string {
	return fmt.Sprintf("runs/%s/%s.log", runID, stepID)
}
