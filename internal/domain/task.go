package domain

import "time"

// TaskState is one node of the download state machine (spec.md §4.3).
type TaskState string

const (
	StatePending    TaskState = "Pending"
	StateResolving  TaskState = "Resolving"
	StateFetching   TaskState = "Fetching"
	StatePaused     TaskState = "Paused"
	StateCompleted  TaskState = "Completed"
	StateFailed     TaskState = "Failed"
	StateCancelled  TaskState = "Cancelled"
)

// IsTerminal reports whether no further network activity will be
// initiated for a task in this state (invariant 5).
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// BlobState tracks one blob's transfer progress independently of the
// owning task's state.
type BlobState string

const (
	BlobMissing    BlobState = "Missing"
	BlobInProgress BlobState = "InProgress"
	BlobDone       BlobState = "Done"
)

// BlobRecord is one layer or config blob referenced by a task's selected
// manifest. Persisted so a restart resumes from the last completed blob.
type BlobRecord struct {
	Digest        string    `json:"digest"`
	MediaType     string    `json:"media_type"`
	Size          int64     `json:"size"`
	State         BlobState `json:"state"`
	BytesWritten  int64     `json:"bytes_written"`
	Retries       int       `json:"retries"`
	IsConfig      bool      `json:"is_config"`
}

// Task is the unit of work the engine tracks end to end.
type Task struct {
	ID               string     `json:"id"`
	Coord            Coordinate `json:"coord"`
	Source           string     `json:"source"` // mirrors Coord.Source; observational, never drives state-machine logic
	Platform         Platform   `json:"platform"`
	PlatformVariant  Platform   `json:"platform_variant,omitzero"`
	State            TaskState  `json:"state"`
	TotalBytes       int64      `json:"total_bytes"`
	DownloadedBytes  int64      `json:"downloaded_bytes"`
	SpeedBPS         float64    `json:"speed_bps"`
	LastError        *TaskError `json:"last_error,omitempty"`
	Retries          int        `json:"retries"`
	TargetDir        string     `json:"target_dir"`
	Checksum         string     `json:"checksum,omitempty"`
	ManifestDigest   string     `json:"manifest_digest,omitempty"`
	Blobs            []BlobRecord `json:"blobs"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TaskError is the persisted, JSON-friendly projection of domain.Error.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewTaskError builds a TaskError from an engine error, classifying it
// via KindOf so callers never have to duplicate that logic.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: KindOf(err), Message: err.Error()}
}

// Clone returns a deep-enough copy for safe handoff across the Task
// Store's per-task lock boundary (mutators work on a clone, never the
// live record in the map).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Blobs = make([]BlobRecord, len(t.Blobs))
	copy(c.Blobs, t.Blobs)
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	return &c
}

// RecomputeDownloadedBytes restores invariant 1:
// downloaded_bytes == sum of bytes_written over blob records.
func (t *Task) RecomputeDownloadedBytes() {
	var sum int64
	for _, b := range t.Blobs {
		sum += b.BytesWritten
	}
	t.DownloadedBytes = sum
}

// AllBlobsDone reports whether every referenced blob has reached Done,
// a precondition for transitioning to Completed (invariant 4).
func (t *Task) AllBlobsDone() bool {
	for _, b := range t.Blobs {
		if b.State != BlobDone {
			return false
		}
	}
	return len(t.Blobs) > 0
}

// InProgressCount reports how many blobs currently hold an in-flight
// slot, used by the scheduler to respect invariant 3.
func (t *Task) InProgressCount() int {
	n := 0
	for _, b := range t.Blobs {
		if b.State == BlobInProgress {
			n++
		}
	}
	return n
}
