package out

import (
	"context"

	"github.com/nullstream/imgpull/internal/domain"
)

// Mutator observes and replaces a task record under the store's
// per-task lock (spec.md §4.2). It must not retain the pointer it is
// given past its own return.
type Mutator func(task *domain.Task) error

// TaskStore is the ordered, concurrency-safe task index plus its
// durable metadata.json mirror (spec.md §4.2, component C2).
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]*domain.Task, error)
	// Update applies mutator to the task atomically at the record level
	// and persists the result via write-to-temp + rename.
	Update(ctx context.Context, id string, mutator Mutator) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	// PurgeArtifacts removes id's blobs directory, manifest, and config
	// bytes while leaving the task record and metadata.json intact, for
	// a Cancel performed with scheduler.retain_on_cancel = false.
	PurgeArtifacts(ctx context.Context, id string) error
	// Snapshot returns a defensive copy of the task's current state,
	// for callers that only need to read.
	Snapshot(ctx context.Context, id string) (*domain.Task, error)
	// BlobPath returns the on-disk path for a blob belonging to task id.
	BlobPath(id string, dgst string) string
	// ManifestPath and ConfigPath return the fixed on-disk paths for the
	// task's verbatim manifest and config bytes.
	ManifestPath(id string) string
	ConfigPath(id string) string
}
