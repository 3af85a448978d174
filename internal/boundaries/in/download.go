// Package in defines the inbound ports: the contracts adapters (HTTP,
// WS, CLI) call into, implemented by the usecase layer.
package in

import (
	"context"

	"github.com/nullstream/imgpull/internal/domain"
)

// CreateRequest is the Control API's create-task payload (spec.md §6).
type CreateRequest struct {
	ImageName  string
	Tag        string
	Source     string
	Platform   string // optional; defaults to domain.DefaultPlatform
	TargetPath string // optional; defaults to <downloads root>/tasks/<task id>
}

// SizeProbeRequest is the manifest-based size probe payload.
type SizeProbeRequest struct {
	ImageName string
	Source    string
	Tag       string
	Platform  string
}

// SizeProbeResult answers a size probe without creating a task.
type SizeProbeResult struct {
	SizeBytes int64
	Size      string // human-readable, e.g. "142.30MB"
}

// DownloadService is the Control API's contract onto the engine (C6 in
// spec.md's component table).
type DownloadService interface {
	Create(ctx context.Context, req CreateRequest) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]*domain.Task, error)
	Pause(ctx context.Context, id string) (*domain.Task, error)
	Resume(ctx context.Context, id string) (*domain.Task, error)
	Cancel(ctx context.Context, id string) (*domain.Task, error)
	Retry(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	ProbeSize(ctx context.Context, req SizeProbeRequest) (*SizeProbeResult, error)
	Search(ctx context.Context, source, query string) ([]domain.SearchResult, error)
}
