package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTask_RecomputeDownloadedBytes(t *testing.T) {
	task := &Task{
		Blobs: []BlobRecord{
			{Digest: "sha256:a", BytesWritten: 100},
			{Digest: "sha256:b", BytesWritten: 250},
		},
	}

	task.RecomputeDownloadedBytes()

	assert.EqualValues(t, 350, task.DownloadedBytes)
}

func TestTask_AllBlobsDone(t *testing.T) {
	task := &Task{Blobs: []BlobRecord{{State: BlobDone}, {State: BlobDone}}}
	assert.True(t, task.AllBlobsDone())

	task.Blobs[1].State = BlobInProgress
	assert.False(t, task.AllBlobsDone())

	assert.False(t, (&Task{}).AllBlobsDone())
}

func TestTask_InProgressCount(t *testing.T) {
	task := &Task{Blobs: []BlobRecord{
		{State: BlobDone},
		{State: BlobInProgress},
		{State: BlobInProgress},
		{State: BlobMissing},
	}}

	assert.Equal(t, 2, task.InProgressCount())
}

func TestTask_Clone_IsIndependent(t *testing.T) {
	original := &Task{
		ID:        "t1",
		Blobs:     []BlobRecord{{Digest: "sha256:a", BytesWritten: 10}},
		LastError: &TaskError{Kind: KindTransport, Message: "boom"},
	}

	clone := original.Clone()
	clone.Blobs[0].BytesWritten = 99
	clone.LastError.Message = "changed"

	assert.EqualValues(t, 10, original.Blobs[0].BytesWritten)
	assert.Equal(t, "boom", original.LastError.Message)
}

func TestTaskState_IsTerminal(t *testing.T) {
	terminal := []TaskState{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []TaskState{StatePending, StateResolving, StateFetching, StatePaused}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}
