package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// Registry maps job identities to their current state. Implementations must
// be safe for concurrent use and must reject transitions out of a terminal
// status with domain.ErrInvalidTransition.
type Registry interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, detail string) (domain.Job, error)
	AttachFiles(ctx context.Context, id string, files domain.Files) (domain.Job, error)
	// EvictTerminal removes terminal jobs last updated before cutoff and
	// returns how many were removed. Processing jobs are never evicted.
	EvictTerminal(ctx context.Context, cutoff time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}
