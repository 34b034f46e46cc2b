package controlpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"georef/pkg/geometry"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.Mutex
	points map[uuid.UUID][]Point
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[uuid.UUID][]Point)}
}

// Add implements Store.
func (s *MemoryStore) Add(ctx context.Context, p Point, page geometry.Rect) (uuid.UUID, error) {
	if err := p.Validate(page); err != nil {
		return uuid.Nil, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[p.OverlayID] = append(s.points[p.OverlayID], p)
	return p.ID, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, overlayID uuid.UUID) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points[overlayID]...), nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for overlayID, points := range s.points {
		for i, p := range points {
			if p.ID == id {
				s.points[overlayID] = append(points[:i:i], points[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound.New("%s", id)
}

// Replace implements Store.
func (s *MemoryStore) Replace(ctx context.Context, overlayID uuid.UUID, points []Point, page geometry.Rect) error {
	replacement := make([]Point, 0, len(points))
	now := time.Now()
	for _, p := range points {
		if err := p.Validate(page); err != nil {
			return err
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.OverlayID = overlayID
		replacement = append(replacement, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[overlayID] = replacement
	return nil
}
