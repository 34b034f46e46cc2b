package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job        // by job id
	byOv map[uuid.UUID][]uuid.UUID // overlay -> job ids in creation order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*Job),
		byOv: make(map[uuid.UUID][]uuid.UUID),
	}
}

// CreateActive implements Store.
func (s *MemoryStore) CreateActive(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byOv[job.OverlayID] {
		if s.jobs[id].Active() {
			return ErrJobActive.New("overlay %s has job %s in %s", job.OverlayID, id, s.jobs[id].Status)
		}
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	copied := *job
	s.jobs[job.ID] = &copied
	s.byOv[job.OverlayID] = append(s.byOv[job.OverlayID], job.ID)
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound.New("%s", job.ID)
	}
	job.UpdatedAt = time.Now()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound.New("%s", id)
	}
	copied := *job
	return &copied, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(ctx context.Context, overlayID uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byOv[overlayID]
	if len(ids) == 0 {
		return nil, ErrJobNotFound.New("no jobs for overlay %s", overlayID)
	}
	copied := *s.jobs[ids[len(ids)-1]]
	return &copied, nil
}
