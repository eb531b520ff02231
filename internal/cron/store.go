package cron

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	jobsFile        = "jobs.json"
	runsDirName     = "runs"
	maxRunLineBytes = 1 << 20
)

// Store persists jobs and per-job run history under one directory:
// jobs.json holds every job, runs/<jobID>.jsonl holds run records.
// A run appends two records, one at start and one at completion; the
// later record for an ID wins.
type Store struct {
	mu           sync.Mutex
	dir          string
	runsDir      string
	historyLimit int
}

func NewStore(dir string, historyLimit int) (*Store, error) {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	runsDir := filepath.Join(dir, runsDirName)
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	return &Store{dir: dir, runsDir: runsDir, historyLimit: historyLimit}, nil
}

func (s *Store) jobsPath() string { return filepath.Join(s.dir, jobsFile) }

func (s *Store) runsPath(jobID string) string {
	return filepath.Join(s.runsDir, jobID+".jsonl")
}

// LoadJobs reads jobs.json. A missing file is an empty job list.
func (s *Store) LoadJobs() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.jobsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, nil
}

// SaveJobs rewrites jobs.json wholesale, atomically.
func (s *Store) SaveJobs(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]*Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := writeFileAtomic(s.jobsPath(), append(data, '\n')); err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}
	return nil
}

// AppendRun appends one run record to the job's history and prunes the
// file once it holds more than the configured number of runs.
func (s *Store) AppendRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	path := s.runsPath(run.JobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	_, err = f.Write(append(line, '\n'))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return s.pruneLocked(run.JobID)
}

// Runs returns a job's run history, most recent first, collapsed so each
// run ID appears once with its latest record.
func (s *Store) Runs(jobID string, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs, err := s.collapsedLocked(jobID)
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// RecoverStale appends a failed record for every run whose latest record
// is still "running". Called once at startup, it turns runs interrupted
// by a crash into visible failures instead of eternal in-flights.
func (s *Store) RecoverStale(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return 0, fmt.Errorf("list run histories: %w", err)
	}
	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		jobID := strings.TrimSuffix(entry.Name(), ".jsonl")
		runs, err := s.collapsedLocked(jobID)
		if err != nil {
			return recovered, err
		}
		for _, run := range runs {
			if run.Status != RunRunning {
				continue
			}
			run.Status = RunFailed
			run.Error = "interrupted by restart"
			run.FinishedAt = now
			line, err := json.Marshal(run)
			if err != nil {
				return recovered, fmt.Errorf("encode recovery record: %w", err)
			}
			f, err := os.OpenFile(s.runsPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return recovered, fmt.Errorf("open run history: %w", err)
			}
			_, werr := f.Write(append(line, '\n'))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				return recovered, fmt.Errorf("append recovery record: %w", werr)
			}
			recovered++
		}
	}
	return recovered, nil
}

// collapsedLocked reads a history file and collapses records by run ID,
// oldest run first. Partial trailing lines are dropped.
func (s *Store) collapsedLocked(jobID string) ([]*Run, error) {
	f, err := os.Open(s.runsPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	defer f.Close()

	byID := make(map[string]*Run)
	var order []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRunLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		var run Run
		if err := json.Unmarshal(line, &run); err != nil {
			continue
		}
		if _, seen := byID[run.ID]; !seen {
			order = append(order, run.ID)
		}
		cp := run
		byID[run.ID] = &cp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run history: %w", err)
	}
	runs := make([]*Run, 0, len(order))
	for _, id := range order {
		runs = append(runs, byID[id])
	}
	return runs, nil
}

// pruneLocked rewrites a history file down to the newest historyLimit
// runs, one collapsed record each.
func (s *Store) pruneLocked(jobID string) error {
	runs, err := s.collapsedLocked(jobID)
	if err != nil {
		return err
	}
	if len(runs) <= s.historyLimit {
		return nil
	}
	runs = runs[len(runs)-s.historyLimit:]

	var buf []byte
	for _, run := range runs {
		line, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("encode run: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := writeFileAtomic(s.runsPath(jobID), buf); err != nil {
		return fmt.Errorf("prune run history: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
