package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	"github.com/dunamismax/upscaler/internal/storage"
)

type objectWriter interface {
	PutArtifact(ctx context.Context, artifact storage.Artifact) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// ObjectStorePublisher mirrors completed artifacts into an object store and
// hands back a presigned download URL.
type ObjectStorePublisher struct {
	Storage      objectWriter
	OutputPrefix string
	URLExpiry    time.Duration
}

func (p ObjectStorePublisher) PublishArtifact(ctx context.Context, job domain.Job) (string, error) {
	if p.Storage == nil {
		return "", errors.New("storage client is required")
	}
	if strings.TrimSpace(job.Files.OutputPath) == "" {
		return "", fmt.Errorf("job %s has no output path", job.ID)
	}

	objectKey := ArtifactObjectKey(p.OutputPrefix, job)
	artifact := storage.Artifact{
		Key:          objectKey,
		FilePath:     job.Files.OutputPath,
		ContentType:  contentTypeForExtension(job.Files.Extension),
		DownloadName: downloadName(job),
		JobID:        job.ID,
	}
	if err := p.Storage.PutArtifact(ctx, artifact); err != nil {
		return "", err
	}

	expiry := p.URLExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return p.Storage.PresignedGetURL(ctx, objectKey, expiry)
}

func ArtifactObjectKey(prefix string, job domain.Job) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		filepath.Base(job.Files.OutputPath),
	)
}

// downloadName keeps the client's base name with the artifact's extension.
func downloadName(job domain.Job) string {
	base := strings.TrimSuffix(filepath.Base(job.Files.OriginalFilename), filepath.Ext(job.Files.OriginalFilename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = job.ID
	}
	return base + "_upscaled" + job.Files.Extension
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "upscaled"
	}
	return prefix
}

func contentTypeForExtension(ext string) string {
	switch strings.ToLower(strings.TrimSpace(ext)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
