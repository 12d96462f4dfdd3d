// Package audit retains completed job results for a configured window.
// Oversized step outputs (page snapshots, screenshots) are moved out of
// memory into per-job tar.gz archives on disk.
package audit

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// step outputs larger than this are archived to disk
const archiveThreshold = 4 * 1024

type record struct {
	result      *models.JobResult
	archivePath string
	storedAt    time.Time
}

// Store keeps recent job results in memory with disk-backed artifact
// archives, and deletes both once the retention window passes.
type Store struct {
	records   sync.Map // jobID -> *record
	storePath string
	retention time.Duration
	logger    *zap.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewStore creates the audit store rooted at storePath.
func NewStore(storePath string, retention time.Duration, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	s := &Store{
		storePath: storePath,
		retention: retention,
		logger:    logger,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Put retains a finished job result. Step outputs over the archive
// threshold are written to a tar.gz archive and replaced in the
// in-memory record with a reference marker.
func (s *Store) Put(result *models.JobResult) {
	rec := &record{result: result, storedAt: time.Now()}

	if s.hasLargeOutputs(result) {
		path, err := s.archiveArtifacts(result)
		if err != nil {
			s.logger.Warn("failed to archive job artifacts",
				zap.String("jobId", result.JobID), zap.Error(err))
		} else {
			rec.archivePath = path
		}
	}

	s.records.Store(result.JobID, rec)
}

// Get returns a retained job result.
func (s *Store) Get(jobID string) (*models.JobResult, error) {
	value, ok := s.records.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("job record not found")
	}
	return value.(*record).result, nil
}

// LoadArtifacts extracts a job's archived step outputs, keyed by the
// artifact file name.
func (s *Store) LoadArtifacts(jobID string) (map[string]string, error) {
	value, ok := s.records.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("job record not found")
	}
	rec := value.(*record)
	if rec.archivePath == "" {
		return nil, fmt.Errorf("job has no archived artifacts")
	}

	return s.extractArchive(rec.archivePath)
}

// Close stops the retention sweep.
func (s *Store) Close() {
	close(s.sweepStop)
	<-s.sweepDone
}

func (s *Store) hasLargeOutputs(result *models.JobResult) bool {
	for _, step := range result.Steps {
		if len(step.Output) > archiveThreshold {
			return true
		}
	}
	return false
}

// archiveArtifacts moves oversized step outputs into a per-job tar.gz
// and rewrites the in-memory outputs with reference markers.
func (s *Store) archiveArtifacts(result *models.JobResult) (string, error) {
	stageDir, err := os.MkdirTemp("", fmt.Sprintf("job-artifacts-%s-", result.JobID))
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	for i := range result.Steps {
		step := &result.Steps[i]
		if len(step.Output) <= archiveThreshold {
			continue
		}
		name := fmt.Sprintf("step-%d-%s.txt", step.Index, step.Action)
		if err := os.WriteFile(filepath.Join(stageDir, name), []byte(step.Output), 0644); err != nil {
			return "", fmt.Errorf("failed to stage artifact: %w", err)
		}
		step.Output = fmt.Sprintf("[archived: %s]", name)
	}

	archivePath := filepath.Join(s.storePath, fmt.Sprintf("%s.tar.gz", result.JobID))
	if err := compressDirectory(stageDir, archivePath); err != nil {
		return "", fmt.Errorf("failed to compress artifacts: %w", err)
	}

	return archivePath, nil
}

// sweepLoop deletes records and archives past the retention window.
func (s *Store) sweepLoop() {
	defer close(s.sweepDone)

	interval := s.retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepExpired(time.Now())
		}
	}
}

func (s *Store) sweepExpired(now time.Time) {
	s.records.Range(func(key, value interface{}) bool {
		rec := value.(*record)
		if now.Sub(rec.storedAt) < s.retention {
			return true
		}
		if rec.archivePath != "" {
			if err := os.Remove(rec.archivePath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to delete expired artifact archive",
					zap.String("jobId", key.(string)), zap.Error(err))
			}
		}
		s.records.Delete(key)
		return true
	})
}

// compressDirectory creates a tar.gz archive of a directory.
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(tarWriter, f)
			return err
		}

		return nil
	})
}

// extractArchive reads every regular file in a tar.gz archive into a
// name -> content map.
func (s *Store) extractArchive(source string) (map[string]string, error) {
	file, err := os.Open(source)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	artifacts := make(map[string]string)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		content, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, err
		}
		artifacts[header.Name] = string(content)
	}

	return artifacts, nil
}
