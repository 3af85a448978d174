package download

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/google/uuid"

	"github.com/nullstream/imgpull/internal/boundaries/in"
	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/domain"
	"github.com/nullstream/imgpull/pkg/utils/humanize"
	"github.com/nullstream/imgpull/pkg/validation"
)

// Service implements in.DownloadService (component C6's backing
// use case), wiring the Task Store, Registry Client, and Scheduler.
type Service struct {
	store          out.TaskStore
	registry       out.RegistryClient
	scheduler      *Scheduler
	retainOnCancel bool
	log            zerowrap.Logger
}

// NewService constructs a Service. retainOnCancel mirrors
// scheduler.retain_on_cancel (spec.md §9 Open Question 4): when false,
// Cancel deletes the task's on-disk artifacts instead of just stopping
// its transfer.
func NewService(store out.TaskStore, registry out.RegistryClient, scheduler *Scheduler, retainOnCancel bool, log zerowrap.Logger) *Service {
	return &Service{store: store, registry: registry, scheduler: scheduler, retainOnCancel: retainOnCancel, log: log}
}

var _ in.DownloadService = (*Service)(nil)

// Create validates req, registers a new Pending task, and admits it to
// the Scheduler. Unknown sources fail synchronously with InvalidArgument
// (spec.md §6).
func (s *Service) Create(ctx context.Context, req in.CreateRequest) (*domain.Task, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "Create",
		"image_name":          req.ImageName,
		"tag":                 req.Tag,
		"source":              req.Source,
	})
	log := zerowrap.FromCtx(ctx)

	if err := validation.ValidateRepositoryName(req.ImageName); err != nil {
		return nil, domain.NewError(domain.KindInvalidArgument, "Create", err)
	}
	if req.Tag != "" {
		if err := validation.ValidateReference(req.Tag); err != nil {
			return nil, domain.NewError(domain.KindInvalidArgument, "Create", err)
		}
	}
	if !s.registry.KnownSource(req.Source) {
		return nil, domain.NewError(domain.KindInvalidArgument, "Create",
			fmt.Errorf("unknown registry source %q", req.Source))
	}

	platform := domain.DefaultPlatform
	if req.Platform != "" {
		p, err := domain.ParsePlatform(req.Platform)
		if err != nil {
			return nil, domain.NewError(domain.KindInvalidArgument, "Create", err)
		}
		platform = p
	}

	tag := req.Tag
	if tag == "" {
		tag = "latest"
	}

	now := time.Now()
	task := &domain.Task{
		ID: uuid.New().String(),
		Coord: domain.Coordinate{
			Source:     req.Source,
			Repository: req.ImageName,
			Reference:  tag,
		},
		Source:    req.Source,
		Platform:  platform,
		State:     domain.StatePending,
		TargetDir: req.TargetPath,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, task); err != nil {
		return nil, log.WrapErr(err, "failed to create task")
	}
	s.scheduler.Admit(task.ID)

	log.Info().Str("task_id", task.ID).Msg("task created")
	return task, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.store.Get(ctx, id)
}

// List returns every tracked task.
func (s *Service) List(ctx context.Context) ([]*domain.Task, error) {
	return s.store.List(ctx)
}

// Pause cooperatively stops a Fetching task's in-flight transfer,
// retaining its partial progress. 400 if the task is not Fetching
// (spec.md §6).
func (s *Service) Pause(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != domain.StateFetching {
		return nil, domain.NewError(domain.KindInvalidArgument, "Pause", domain.ErrInvalidState)
	}

	s.scheduler.Stop(id)
	return s.store.Update(ctx, id, func(t *domain.Task) error {
		if !t.State.IsTerminal() {
			t.State = domain.StatePaused
		}
		return nil
	})
}

// Resume re-admits a Paused task to the Scheduler at its saved offsets.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != domain.StatePaused {
		return nil, domain.NewError(domain.KindInvalidArgument, "Resume", domain.ErrInvalidState)
	}

	updated, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		t.State = domain.StateFetching
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduler.Admit(id)
	return updated, nil
}

// Cancel stops any in-flight transfer and marks the task Cancelled.
// On-disk artifacts are retained by default (spec.md §4.3 Cancel,
// scheduler.retain_on_cancel = true); when the operator has flipped
// that flag, Cancel also purges the task's blobs/manifest/config so a
// cancelled download doesn't linger on disk (spec.md §9 Open Question
// 4). Delete remains the explicit way to remove a task's record too.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State == domain.StateCompleted {
		return nil, domain.NewError(domain.KindInvalidArgument, "Cancel", domain.ErrInvalidState)
	}
	if task.State.IsTerminal() {
		return task, nil
	}

	s.scheduler.Stop(id)
	updated, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		t.State = domain.StateCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !s.retainOnCancel {
		if err := s.store.PurgeArtifacts(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("task_id", id).Msg("failed to purge artifacts after cancel")
		}
	}
	return updated, nil
}

// Retry resets a Failed task's retry budget and restores it to Pending,
// preserving downloaded_bytes so the retry resumes rather than restarts
// (spec.md §7 "User-visible behaviour").
func (s *Service) Retry(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != domain.StateFailed {
		return nil, domain.NewError(domain.KindInvalidArgument, "Retry", domain.ErrInvalidState)
	}

	updated, err := s.store.Update(ctx, id, func(t *domain.Task) error {
		t.Retries = 0
		t.LastError = nil
		t.State = domain.StatePending
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduler.Admit(id)
	return updated, nil
}

// Delete removes a task and its on-disk artifacts. Rejected while the
// task is Resolving or Fetching (spec.md §6).
func (s *Service) Delete(ctx context.Context, id string) error {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.State == domain.StateFetching || task.State == domain.StateResolving {
		return domain.NewError(domain.KindInvalidArgument, "Delete", domain.ErrUploadInProgress)
	}
	return s.store.Delete(ctx, id)
}

// ProbeSize answers a manifest-based size query without creating a task
// (SPEC_FULL §4.6a).
func (s *Service) ProbeSize(ctx context.Context, req in.SizeProbeRequest) (*in.SizeProbeResult, error) {
	if !s.registry.KnownSource(req.Source) {
		return nil, domain.NewError(domain.KindInvalidArgument, "ProbeSize",
			fmt.Errorf("unknown registry source %q", req.Source))
	}

	coord := domain.Coordinate{Source: req.Source, Repository: req.ImageName, Reference: req.Tag}
	repo := coord.NormalizeRepository()

	platform := domain.DefaultPlatform
	if req.Platform != "" {
		p, err := domain.ParsePlatform(req.Platform)
		if err != nil {
			return nil, domain.NewError(domain.KindInvalidArgument, "ProbeSize", err)
		}
		platform = p
	}

	token, err := s.registry.ResolveToken(ctx, req.Source, repo)
	if err != nil {
		return nil, err
	}
	result, err := s.registry.GetManifest(ctx, req.Source, repo, req.Tag, token)
	if err != nil {
		return nil, err
	}

	childDigest, err := s.registry.SelectPlatform(result.Data, result.ContentType, platform)
	if err != nil {
		return nil, err
	}
	if childDigest != "" {
		result, err = s.registry.GetManifest(ctx, req.Source, repo, childDigest.String(), token)
		if err != nil {
			return nil, err
		}
	}

	var concrete struct {
		Config struct {
			Size int64 `json:"size"`
		} `json:"config"`
		Layers []struct {
			Size int64 `json:"size"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(result.Data, &concrete); err != nil {
		return nil, domain.NewError(domain.KindProtocolViolation, "ProbeSize", err)
	}

	total := concrete.Config.Size
	for _, l := range concrete.Layers {
		total += l.Size
	}

	return &in.SizeProbeResult{SizeBytes: total, Size: humanize.BytesToReadableSize(total)}, nil
}

// Search queries the registry catalog for matching repositories
// (SPEC_FULL §6c).
func (s *Service) Search(ctx context.Context, source, query string) ([]domain.SearchResult, error) {
	if !s.registry.KnownSource(source) {
		return nil, domain.NewError(domain.KindInvalidArgument, "Search",
			fmt.Errorf("unknown registry source %q", source))
	}
	return s.registry.Catalog(ctx, source, query)
}
