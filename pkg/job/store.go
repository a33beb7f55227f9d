package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imalyk/go-ofx-processor/pkg/upload"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrStatusRegression is returned when an update would move a terminal job back to a non-terminal status.
	ErrStatusRegression = errors.New("job already in a terminal state")
	// ErrMissingOutput is returned when a completion carries no artifact path.
	ErrMissingOutput = errors.New("completed job requires an output path")
)

// defaultFailure fills the error of a failed job reported without one.
const defaultFailure = "conversion failed"

// Update describes one status transition. Nil fields are left untouched.
type Update struct {
	Status     Status
	OutputPath *string
	Error      *string
}

// Store is the in-memory registry of jobs. It is the only writer of Job records.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	now   func() time.Time
	newID func() string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]*Job),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create registers a pending job and returns its id.
func (s *Store) Create(inputPath, originalName, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for tries := 1; ; tries++ {
		if _, taken := s.jobs[id]; !taken {
			break
		}
		if tries >= 5 {
			return "", fmt.Errorf("allocate job id: %d collisions", tries)
		}
		id = s.newID()
	}

	now := s.now().UTC()
	s.jobs[id] = &Job{
		ID:           id,
		SessionID:    sessionID,
		Status:       StatusPending,
		InputPath:    inputPath,
		OriginalName: upload.SanitizeFileName(originalName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return id, nil
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// UpdateStatus applies u to the job. Only supplied fields are written, so a
// redundant terminal report never clears earlier terminal data. A terminal
// job accepts another terminal status (last write wins) but never a
// non-terminal one.
func (s *Store) UpdateStatus(id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() && !u.Status.Terminal() {
		return ErrStatusRegression
	}
	if u.Status == StatusCompleted && j.OutputPath == "" && (u.OutputPath == nil || *u.OutputPath == "") {
		return ErrMissingOutput
	}

	j.Status = u.Status
	if u.OutputPath != nil {
		j.OutputPath = *u.OutputPath
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if j.Status == StatusFailed && j.Error == "" {
		j.Error = defaultFailure
	}
	j.UpdatedAt = s.now().UTC()
	return nil
}

// ListBySession returns the jobs owned by sessionID, oldest first.
func (s *Store) ListBySession(sessionID string) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0)
	for _, j := range s.jobs {
		if j.SessionID == sessionID {
			out = append(out, *j)
		}
	}
	sortByCreation(out)
	return out
}

// Len returns the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func sortByCreation(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
