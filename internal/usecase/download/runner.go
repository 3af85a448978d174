// Package download implements the State Machine and Scheduler (spec.md
// §4.3, §4.4): the task/blob concurrency control and the per-task
// Pending→Resolving→Fetching→terminal transition logic.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/nullstream/imgpull/internal/boundaries/out"
	"github.com/nullstream/imgpull/internal/domain"
)

// blobChunkSize is the read buffer for blob streaming.
const blobChunkSize = 32 * 1024

// watermarkBytes is the write frequency for bytes_written durability
// (spec.md §4.2: "updated ... modulo a 4 MiB watermark").
const watermarkBytes = 4 * 1024 * 1024

// Runner drives a single task's State Machine (component C3) from its
// current state to a terminal one, or until ctx is cancelled (pause or
// cancel). It holds the task's scheduler slot for the duration of the
// call; retries loop internally rather than recursing, and rather than
// re-entering the Scheduler's admission queue between attempts — see
// DESIGN.md's resolution of the "recursive retry loop" open question.
type Runner struct {
	store      out.TaskStore
	registry   out.RegistryClient
	progress   out.ProgressPublisher
	fs         afero.Fs
	maxRetries int
	nBlobs     int
	log        zerowrap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(store out.TaskStore, registry out.RegistryClient, progress out.ProgressPublisher, fs afero.Fs, maxRetries, nBlobs int, log zerowrap.Logger) *Runner {
	return &Runner{
		store:      store,
		registry:   registry,
		progress:   progress,
		fs:         fs,
		maxRetries: maxRetries,
		nBlobs:     nBlobs,
		log:        log,
	}
}

// Run executes the State Machine for id until it reaches a terminal
// state, is paused, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, id string) {
	for {
		task, err := r.store.Get(ctx, id)
		if err != nil {
			r.log.Error().Err(err).Str("task_id", id).Msg("task vanished mid-run")
			return
		}
		if task.State.IsTerminal() || task.State == domain.StatePaused {
			return
		}
		if ctx.Err() != nil {
			r.markPausedOrCancelled(id, ctx.Err())
			return
		}

		switch task.State {
		case domain.StatePending:
			if _, err := r.store.Update(ctx, id, func(t *domain.Task) error {
				t.State = domain.StateResolving
				return nil
			}); err != nil {
				return
			}

		case domain.StateResolving:
			if err := r.resolve(ctx, id, task); err != nil {
				if !r.handleFailure(ctx, id, "Resolving", err) {
					return
				}
			}

		case domain.StateFetching:
			if err := r.fetch(ctx, id, task); err != nil {
				if !r.handleFailure(ctx, id, "Fetching", err) {
					return
				}
			}

		default:
			return
		}
	}
}

// markPausedOrCancelled records the cooperative stop triggered by the
// task's own cancellation token, distinguishing pause (resumable) from
// a hard cancel, based on whichever verb tripped the context.
func (r *Runner) markPausedOrCancelled(id string, cause error) {
	_, _ = r.store.Update(context.Background(), id, func(t *domain.Task) error {
		if t.State.IsTerminal() {
			return nil
		}
		if t.State != domain.StateCancelled {
			t.State = domain.StatePaused
		}
		return nil
	})
	r.log.Debug().Str("task_id", id).Err(cause).Msg("task run stopped cooperatively")
}

// authRetryLimit caps Auth-kind failures at a single retry: spec.md §7
// treats Auth as "one token refresh is attempted; persistent failure
// becomes fatal," not a share of the generic transient-retry budget.
const authRetryLimit = 1

// handleFailure classifies err, applies the retry policy, and reports
// whether the caller should loop again (true) or stop (false, task is
// now Failed or the run was cancelled). A non-fatal failure during
// Fetching re-enters Fetching, not Resolving: only the failed blob (already
// reset to Missing by fetchBlob) is retried, leaving every other blob's
// progress untouched (spec.md §4.3: "the blob returns to Missing with
// retry count incremented").
func (r *Runner) handleFailure(ctx context.Context, id, phase string, err error) bool {
	if errors.Is(err, context.Canceled) || domain.KindOf(err) == domain.KindCancelled {
		r.markPausedOrCancelled(id, err)
		return false
	}

	fatal := domain.IsFatal(err)
	isAuth := domain.KindOf(err) == domain.KindAuth
	var retries int
	var giveUp bool
	_, updateErr := r.store.Update(ctx, id, func(t *domain.Task) error {
		if fatal {
			t.State = domain.StateFailed
			t.LastError = domain.NewTaskError(err)
			return nil
		}
		t.Retries++
		retries = t.Retries
		t.LastError = domain.NewTaskError(err)
		switch {
		case isAuth && t.Retries > authRetryLimit:
			giveUp = true
		case t.Retries >= r.maxRetries:
			giveUp = true
		}
		if giveUp {
			t.State = domain.StateFailed
		} else if phase == "Fetching" {
			t.State = domain.StateFetching
		} else {
			t.State = domain.StateResolving
		}
		return nil
	})
	if updateErr != nil {
		r.log.Error().Err(updateErr).Str("task_id", id).Msg("failed to persist failure")
		return false
	}

	if fatal {
		r.progress.PublishError(id, err)
		r.log.Warn().Err(err).Str("task_id", id).Str("phase", phase).Msg("task failed fatally")
		return false
	}
	if giveUp {
		r.progress.PublishError(id, err)
		r.log.Warn().Err(err).Str("task_id", id).Str("phase", phase).Bool("auth", isAuth).Int("retries", retries).Msg("task exhausted retry budget")
		return false
	}

	delay := backoffFor(retries - 1)
	r.log.Info().Err(err).Str("task_id", id).Str("phase", phase).Int("retry", retries).Dur("backoff", delay).Msg("retrying after transient failure")
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		r.markPausedOrCancelled(id, ctx.Err())
		return false
	}
}

// resolve fetches the manifest, selects a platform if the document is a
// list/index, fetches the config blob, and builds the blob record set,
// then transitions the task to Fetching (spec.md §4.3 Resolving).
func (r *Runner) resolve(ctx context.Context, id string, task *domain.Task) error {
	coord := task.Coord
	repo := coord.NormalizeRepository()

	token, err := r.registry.ResolveToken(ctx, coord.Source, repo)
	if err != nil {
		return err
	}

	result, err := r.registry.GetManifest(ctx, coord.Source, repo, coord.Reference, token)
	if err != nil {
		return err
	}

	manifestData := result.Data
	manifestDigest := result.Digest
	platform := task.Platform
	if platform == (domain.Platform{}) {
		platform = domain.DefaultPlatform
	}

	childDigest, err := r.registry.SelectPlatform(result.Data, result.ContentType, platform)
	if err != nil {
		return err
	}
	if childDigest != "" {
		result, err = r.registry.GetManifest(ctx, coord.Source, repo, childDigest.String(), token)
		if err != nil {
			return err
		}
		manifestData = result.Data
		manifestDigest = result.Digest
	}

	var concrete struct {
		Config struct {
			Digest string `json:"digest"`
			Size   int64  `json:"size"`
		} `json:"config"`
		Layers []struct {
			Digest    string `json:"digest"`
			Size      int64  `json:"size"`
			MediaType string `json:"mediaType"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(manifestData, &concrete); err != nil {
		return domain.NewError(domain.KindProtocolViolation, "resolve", err)
	}

	if err := afero.WriteFile(r.fs, r.store.ManifestPath(id), manifestData, 0o644); err != nil {
		return domain.NewError(domain.KindIO, "resolve", err)
	}

	cfgDigest, err := digest.Parse(concrete.Config.Digest)
	if err != nil {
		return domain.NewError(domain.KindProtocolViolation, "resolve", err)
	}
	cfgBytes, err := r.registry.GetConfig(ctx, coord.Source, repo, cfgDigest, token)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(r.fs, r.store.ConfigPath(id), cfgBytes, 0o644); err != nil {
		return domain.NewError(domain.KindIO, "resolve", err)
	}

	// Re-entering Resolving (an explicit Retry, or the task's first pass)
	// must not discard progress a prior Fetching attempt already made:
	// carry over BytesWritten/State/Retries for any digest still present
	// in the manifest, and only seed genuinely new digests as Missing
	// (spec.md §7's retry guarantee, invariant 6).
	existing := make(map[string]domain.BlobRecord, len(task.Blobs))
	for _, b := range task.Blobs {
		existing[b.Digest] = b
	}

	blobs := make([]domain.BlobRecord, 0, len(concrete.Layers)+1)
	blobs = append(blobs, domain.BlobRecord{
		Digest:    concrete.Config.Digest,
		MediaType: "config",
		Size:      concrete.Config.Size,
		State:     domain.BlobDone, // already fetched above via get_config
		IsConfig:  true,
	})
	blobs[0].BytesWritten = concrete.Config.Size
	for _, l := range concrete.Layers {
		rec := domain.BlobRecord{
			Digest:    l.Digest,
			MediaType: l.MediaType,
			Size:      l.Size,
			State:     domain.BlobMissing,
		}
		if prev, ok := existing[l.Digest]; ok {
			rec.State = prev.State
			rec.BytesWritten = prev.BytesWritten
			rec.Retries = prev.Retries
		}
		blobs = append(blobs, rec)
	}

	var total int64
	for _, b := range blobs {
		total += b.Size
	}

	_, updateErr := r.store.Update(ctx, id, func(t *domain.Task) error {
		t.ManifestDigest = manifestDigest.String()
		t.PlatformVariant = platform
		t.TotalBytes = total
		t.Blobs = blobs
		t.State = domain.StateFetching
		return nil
	})
	return updateErr
}

// fetch streams every non-Done blob with up to nBlobs concurrent
// transfers, then marks the task Completed once all are verified
// (spec.md §4.3 Fetching).
func (r *Runner) fetch(ctx context.Context, id string, task *domain.Task) error {
	coord := task.Coord
	repo := coord.NormalizeRepository()

	token, err := r.registry.ResolveToken(ctx, coord.Source, repo)
	if err != nil {
		return err
	}

	pending := make([]int, 0, len(task.Blobs))
	for i, b := range task.Blobs {
		if b.State != domain.BlobDone {
			pending = append(pending, i)
		}
	}

	sem := make(chan struct{}, r.nBlobs)
	errCh := make(chan error, len(pending))
	done := make(chan struct{})
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for _, idx := range pending {
			select {
			case sem <- struct{}{}:
			case <-fetchCtx.Done():
				return
			}
			idx := idx
			go func() {
				defer func() { <-sem }()
				blobErr := r.fetchBlob(fetchCtx, id, coord, token, task.Blobs[idx].Digest)
				if blobErr != nil {
					errCh <- blobErr
					cancel()
				} else {
					errCh <- nil
				}
			}()
		}
		close(done)
	}()

	var firstErr error
	received := 0
	for received < len(pending) {
		select {
		case err := <-errCh:
			received++
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-done
	if firstErr != nil {
		return firstErr
	}

	latest, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !latest.AllBlobsDone() {
		return domain.NewError(domain.KindProtocolViolation, "fetch", errors.New("blob set incomplete after fetch loop"))
	}

	_, err = r.store.Update(ctx, id, func(t *domain.Task) error {
		t.State = domain.StateCompleted
		t.Checksum = t.ManifestDigest
		return nil
	})
	if err != nil {
		return err
	}
	r.progress.PublishComplete(id, r.store.ManifestPath(id), latest.ManifestDigest)
	return nil
}

// fetchBlob streams one blob to disk, resuming from bytes_written when
// the server honors Range, verifying its digest on clean EOF.
func (r *Runner) fetchBlob(ctx context.Context, taskID string, coord domain.Coordinate, token, dgstStr string) error {
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		return domain.NewError(domain.KindProtocolViolation, "fetchBlob", err)
	}

	task, err := r.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	var blobIdx = -1
	for i, b := range task.Blobs {
		if b.Digest == dgstStr {
			blobIdx = i
			break
		}
	}
	if blobIdx < 0 {
		return domain.NewError(domain.KindProtocolViolation, "fetchBlob", errors.New("blob not found in task record"))
	}
	originalBytesWritten := task.Blobs[blobIdx].BytesWritten
	offset := originalBytesWritten

	repo := coord.NormalizeRepository()
	stream, err := r.registry.StreamBlob(ctx, coord.Source, repo, dgst, offset, token)
	if err != nil {
		return err
	}
	defer stream.Body.Close()

	path := r.store.BlobPath(taskID, dgstStr)
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && stream.Resumed {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := r.fs.OpenFile(path, flags, 0o644)
	if err != nil {
		return domain.NewError(domain.KindIO, "fetchBlob", err)
	}
	defer f.Close()

	if _, err := r.store.Update(ctx, taskID, func(t *domain.Task) error {
		t.Blobs[blobIdx].State = domain.BlobInProgress
		t.Blobs[blobIdx].BytesWritten = offset
		return nil
	}); err != nil {
		return err
	}

	total := task.TotalBytes
	downloadedAtStart := task.DownloadedBytes - originalBytesWritten + offset

	written := offset
	sinceWatermark := int64(0)
	buf := make([]byte, blobChunkSize)
	for {
		if ctx.Err() != nil {
			return domain.NewError(domain.KindCancelled, "fetchBlob", ctx.Err())
		}
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return domain.NewError(domain.KindIO, "fetchBlob", werr)
			}
			written += int64(n)
			sinceWatermark += int64(n)

			r.progress.PublishBytes(taskID, total, downloadedAtStart+(written-offset), int64(n))

			if sinceWatermark >= watermarkBytes {
				sinceWatermark = 0
				if _, werr := r.store.Update(ctx, taskID, func(t *domain.Task) error {
					t.Blobs[blobIdx].BytesWritten = written
					return nil
				}); werr != nil {
					return werr
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_, _ = r.store.Update(ctx, taskID, func(t *domain.Task) error {
				t.Blobs[blobIdx].BytesWritten = written
				t.Blobs[blobIdx].State = domain.BlobMissing
				t.Blobs[blobIdx].Retries++
				return nil
			})
			return domain.NewError(domain.KindTransport, "fetchBlob", readErr)
		}
	}

	if err := verifyBlobDigest(r.fs, path, dgst); err != nil {
		_, _ = r.store.Update(ctx, taskID, func(t *domain.Task) error {
			t.Blobs[blobIdx].State = domain.BlobMissing
			t.Blobs[blobIdx].Retries++
			return nil
		})
		return err
	}

	_, err = r.store.Update(ctx, taskID, func(t *domain.Task) error {
		t.Blobs[blobIdx].State = domain.BlobDone
		t.Blobs[blobIdx].BytesWritten = written
		return nil
	})
	return err
}

// verifyBlobDigest recomputes the digest of the full on-disk file and
// compares it with dgst; a mismatch is a non-retryable ProtocolViolation
// for that blob (spec.md §4.3).
func verifyBlobDigest(fs afero.Fs, path string, dgst digest.Digest) error {
	f, err := fs.Open(path)
	if err != nil {
		return domain.NewError(domain.KindIO, "verifyBlobDigest", err)
	}
	defer f.Close()

	verifier := dgst.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return domain.NewError(domain.KindIO, "verifyBlobDigest", err)
	}
	if !verifier.Verified() {
		return domain.NewError(domain.KindProtocolViolation, "verifyBlobDigest",
			errors.New("blob digest mismatch"))
	}
	return nil
}
