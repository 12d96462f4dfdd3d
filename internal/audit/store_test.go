package audit

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/pkg/models"
)

func newTestStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), retention, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t, time.Hour)

	result := &models.JobResult{
		JobID:  "job-1",
		Status: models.JobSucceeded,
		Steps: []models.StepResult{
			{Index: 0, Action: "extract", Output: "hello"},
		},
	}
	s.Put(result)

	got, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, got.Status)
	assert.Equal(t, "hello", got.Steps[0].Output)
}

func TestGetUnknownJob(t *testing.T) {
	s := newTestStore(t, time.Hour)

	_, err := s.Get("missing")
	assert.Error(t, err)
}

func TestLargeOutputsArchived(t *testing.T) {
	s := newTestStore(t, time.Hour)

	snapshot := strings.Repeat("<div>content</div>", 1024)
	result := &models.JobResult{
		JobID:  "job-2",
		Status: models.JobSucceeded,
		Steps: []models.StepResult{
			{Index: 0, Action: "navigate", Output: "https://example.com/"},
			{Index: 1, Action: "snapshot", Output: snapshot},
		},
	}
	s.Put(result)

	got, err := s.Get("job-2")
	require.NoError(t, err)
	// Small outputs stay inline, large ones become references.
	assert.Equal(t, "https://example.com/", got.Steps[0].Output)
	assert.Equal(t, "[archived: step-1-snapshot.txt]", got.Steps[1].Output)

	artifacts, err := s.LoadArtifacts("job-2")
	require.NoError(t, err)
	assert.Equal(t, snapshot, artifacts["step-1-snapshot.txt"])
}

func TestLoadArtifactsWithoutArchive(t *testing.T) {
	s := newTestStore(t, time.Hour)

	s.Put(&models.JobResult{JobID: "job-3", Status: models.JobFailed})

	_, err := s.LoadArtifacts("job-3")
	assert.Error(t, err)
}

func TestSweepDeletesExpiredRecords(t *testing.T) {
	s := newTestStore(t, time.Minute)

	snapshot := strings.Repeat("x", archiveThreshold+1)
	s.Put(&models.JobResult{
		JobID:  "job-4",
		Status: models.JobSucceeded,
		Steps:  []models.StepResult{{Index: 0, Action: "snapshot", Output: snapshot}},
	})

	value, ok := s.records.Load("job-4")
	require.True(t, ok)
	archivePath := value.(*record).archivePath
	require.NotEmpty(t, archivePath)

	s.sweepExpired(time.Now().Add(2 * time.Minute))

	_, err := s.Get("job-4")
	assert.Error(t, err)
	_, err = os.Stat(archivePath)
	assert.True(t, os.IsNotExist(err))
}
