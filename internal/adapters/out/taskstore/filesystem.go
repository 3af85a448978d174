// Package taskstore implements the Task Store (spec.md §4.2): an
// in-memory, per-task-locked index mirrored durably to metadata.json
// under a configurable downloads root.
package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bnema/zerowrap"
	"github.com/spf13/afero"

	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/domain"
)

const (
	dirTasks     = "tasks"
	dirBlobs     = "blobs"
	fileMeta     = "metadata.json"
	fileManifest = "manifest.json"
	fileConfig   = "config.json"
)

// Store is the filesystem-backed Task Store adapter (component C2).
type Store struct {
	fs   afero.Fs
	root string
	log  zerowrap.Logger

	mu    sync.RWMutex
	tasks map[string]*domain.Task
	locks map[string]*sync.Mutex
}

// New constructs a Store rooted at root on fs. Callers in production
// pass afero.NewOsFs(); tests pass afero.NewMemMapFs().
func New(fs afero.Fs, root string, log zerowrap.Logger) *Store {
	return &Store{
		fs:    fs,
		root:  root,
		log:   log,
		tasks: make(map[string]*domain.Task),
		locks: make(map[string]*sync.Mutex),
	}
}

var _ out.TaskStore = (*Store)(nil)

// safeDigest replaces ':' and '/' with '_' so a digest is a portable
// file name (spec.md §6, persisted-state layout).
func safeDigest(dgst string) string {
	s := strings.ReplaceAll(dgst, ":", "_")
	return strings.ReplaceAll(s, "/", "_")
}

// defaultTaskDir is where a task lives when its CreateRequest didn't
// override target_dir (spec.md §3's "absolute path of the task's
// on-disk directory").
func (s *Store) defaultTaskDir(id string) string {
	return filepath.Join(s.root, dirTasks, id)
}

// dirFor resolves the directory actually backing id: its own
// task.TargetDir once known, falling back to the store-rooted default
// for a task not yet (or no longer) tracked.
func (s *Store) dirFor(id string) string {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if ok && t.TargetDir != "" {
		return t.TargetDir
	}
	return s.defaultTaskDir(id)
}

// BlobPath returns the on-disk path for a blob belonging to task id.
func (s *Store) BlobPath(id string, dgst string) string {
	return blobPathIn(s.dirFor(id), dgst)
}

func blobPathIn(dir, dgst string) string {
	return filepath.Join(dir, dirBlobs, safeDigest(dgst))
}

// ManifestPath returns the fixed path for the task's verbatim manifest bytes.
func (s *Store) ManifestPath(id string) string {
	return filepath.Join(s.dirFor(id), fileManifest)
}

// ConfigPath returns the fixed path for the task's verbatim config bytes.
func (s *Store) ConfigPath(id string) string {
	return filepath.Join(s.dirFor(id), fileConfig)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create registers task and writes its initial metadata.json.
func (s *Store) Create(ctx context.Context, task *domain.Task) error {
	log := zerowrap.FromCtx(ctx)

	lock := s.lockFor(task.ID)
	lock.Lock()
	defer lock.Unlock()

	if task.TargetDir == "" {
		task.TargetDir = s.defaultTaskDir(task.ID)
	}

	if err := s.fs.MkdirAll(filepath.Join(task.TargetDir, dirBlobs), 0o755); err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.Create", err)
	}

	clone := task.Clone()
	s.mu.Lock()
	s.tasks[task.ID] = clone
	s.mu.Unlock()

	if err := s.persist(clone); err != nil {
		return err
	}
	log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "taskstore").
		Str("task_id", task.ID).
		Msg("task created")
	return nil
}

// Get returns the live tracked task, or ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Snapshot is an alias for Get that documents read-only intent at call sites.
func (s *Store) Snapshot(ctx context.Context, id string) (*domain.Task, error) {
	return s.Get(ctx, id)
}

// List returns every tracked task, ordered by creation time (FIFO,
// matching the Scheduler's admission order).
func (s *Store) List(ctx context.Context) ([]*domain.Task, error) {
	s.mu.RLock()
	result := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		result = append(result, t.Clone())
	}
	s.mu.RUnlock()

	sortByCreatedAt(result)
	return result, nil
}

// Update applies mutator to the task under its per-task lock, then
// persists the result via write-temp-then-rename before releasing the
// lock, so concurrent readers never observe a torn file.
func (s *Store) Update(ctx context.Context, id string, mutator out.Mutator) (*domain.Task, error) {
	log := zerowrap.FromCtx(ctx)

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTaskNotFound
	}

	working := current.Clone()
	if err := mutator(working); err != nil {
		return nil, err
	}
	working.RecomputeDownloadedBytes()

	s.mu.Lock()
	s.tasks[id] = working
	s.mu.Unlock()

	if err := s.persist(working); err != nil {
		return nil, err
	}
	log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "taskstore").
		Str("task_id", id).
		Str("state", string(working.State)).
		Msg("task updated")
	return working.Clone(), nil
}

// Delete removes the task from the index and its on-disk directory.
func (s *Store) Delete(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	dir := t.TargetDir
	if dir == "" {
		dir = s.defaultTaskDir(id)
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	if err := s.fs.RemoveAll(dir); err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.Delete", err)
	}
	if defaultDir := s.defaultTaskDir(id); defaultDir != dir {
		if err := s.fs.RemoveAll(defaultDir); err != nil {
			return domain.NewError(domain.KindIO, "TaskStore.Delete", err)
		}
	}
	return nil
}

// PurgeArtifacts removes id's blobs directory plus its verbatim
// manifest/config files, keeping the task record and metadata.json in
// place (spec.md §9 Open Question 4, retain_on_cancel = false path).
func (s *Store) PurgeArtifacts(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dirFor(id)
	if err := s.fs.RemoveAll(filepath.Join(dir, dirBlobs)); err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.PurgeArtifacts", err)
	}
	if err := s.fs.Remove(filepath.Join(dir, fileManifest)); err != nil && !isNotExist(err) {
		return domain.NewError(domain.KindIO, "TaskStore.PurgeArtifacts", err)
	}
	if err := s.fs.Remove(filepath.Join(dir, fileConfig)); err != nil && !isNotExist(err) {
		return domain.NewError(domain.KindIO, "TaskStore.PurgeArtifacts", err)
	}
	return nil
}

// persist serializes task to metadata.json via write-to-temp + rename,
// so a crash mid-write never leaves a torn file (spec.md §4.2). The
// canonical copy lives under task.TargetDir, matching spec.md §3's
// on-disk layout. When TargetDir was overridden away from the store's
// own root, persist also mirrors metadata.json under the store-rooted
// default location, so Load can still rediscover the task by scanning
// root/tasks/* without needing a separate directory index.
func (s *Store) persist(task *domain.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.persist", err)
	}

	dir := task.TargetDir
	if dir == "" {
		dir = s.defaultTaskDir(task.ID)
	}
	if err := s.writeMeta(filepath.Join(dir, fileMeta), data); err != nil {
		return err
	}

	defaultDir := s.defaultTaskDir(task.ID)
	if dir == defaultDir {
		return nil
	}
	if err := s.fs.MkdirAll(defaultDir, 0o755); err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.persist", err)
	}
	return s.writeMeta(filepath.Join(defaultDir, fileMeta), data)
}

func (s *Store) writeMeta(final string, data []byte) error {
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.persist", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return domain.NewError(domain.KindIO, "TaskStore.persist", err)
	}
	return nil
}

// Load reconstructs the in-memory index from every metadata.json found
// under root, for use at startup (spec.md §8, "Resumption across restart").
func (s *Store) Load(ctx context.Context) error {
	log := zerowrap.FromCtx(ctx)

	base := filepath.Join(s.root, dirTasks)
	entries, err := afero.ReadDir(s.fs, base)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return domain.NewError(domain.KindIO, "TaskStore.Load", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(base, entry.Name(), fileMeta)
		data, err := afero.ReadFile(s.fs, metaPath)
		if err != nil {
			log.Warn().Err(err).Str("task_id", entry.Name()).Msg("skipping task with unreadable metadata")
			continue
		}
		var task domain.Task
		if err := json.Unmarshal(data, &task); err != nil {
			log.Warn().Err(err).Str("task_id", entry.Name()).Msg("skipping task with corrupt metadata")
			continue
		}
		s.reconcileBlobLengths(&task)

		s.mu.Lock()
		s.tasks[task.ID] = &task
		s.mu.Unlock()
	}
	return nil
}

// reconcileBlobLengths trusts on-disk blob file length as ground truth
// for bytes_written on restart (spec.md §4.2 durability contract): a
// crash can leave bytes_written stale relative to what actually hit disk.
func (s *Store) reconcileBlobLengths(task *domain.Task) {
	dir := task.TargetDir
	if dir == "" {
		dir = s.defaultTaskDir(task.ID)
	}
	for i := range task.Blobs {
		b := &task.Blobs[i]
		if b.State == domain.BlobDone {
			continue
		}
		info, err := s.fs.Stat(blobPathIn(dir, b.Digest))
		if err != nil {
			continue
		}
		b.BytesWritten = info.Size()
		if b.BytesWritten > 0 {
			b.State = domain.BlobInProgress
		}
	}
	task.RecomputeDownloadedBytes()
}

func isNotExist(err error) bool {
	return err != nil && (errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "no such file"))
}

func sortByCreatedAt(tasks []*domain.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.Before(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}
