package transform

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// ErrModelNotFound reports a missing transform version.
var ErrModelNotFound = errs.Class("transform model not found")

// Record is a persisted transform model version. Versions are append-only:
// re-georeferencing creates the next version and flips Active; superseded
// versions stay readable for audit and rollback.
type Record struct {
	OverlayID uuid.UUID `gorm:"type:uuid;primaryKey" json:"overlay_id"`
	Version   int       `gorm:"primaryKey;autoIncrement:false" json:"version"`
	Kind      string    `json:"kind"`
	ModelJSON []byte    `gorm:"type:jsonb" json:"model"`
	RMSE      float64   `json:"rmse"`
	North     float64   `json:"north"`
	South     float64   `json:"south"`
	East      float64   `json:"east"`
	West      float64   `json:"west"`
	Active    bool      `gorm:"index" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName sets the table used by the gorm-backed store.
func (Record) TableName() string { return "transform_models" }

// Model deserializes the stored model.
func (r *Record) Model() (*Model, error) {
	var m Model
	if err := json.Unmarshal(r.ModelJSON, &m); err != nil {
		return nil, errs.Wrap(err)
	}
	return &m, nil
}

// NewRecord serializes a model into a Record (without version assignment).
func NewRecord(overlayID uuid.UUID, model *Model) (*Record, error) {
	data, err := json.Marshal(model)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Record{
		OverlayID: overlayID,
		Kind:      string(model.Kind),
		ModelJSON: data,
		RMSE:      model.RMSE,
		North:     model.Bounds.North,
		South:     model.Bounds.South,
		East:      model.Bounds.East,
		West:      model.Bounds.West,
		CreatedAt: time.Now(),
	}, nil
}

// Store persists transform model versions. Exactly one version per overlay
// is active at a time.
type Store interface {
	// Create appends the next version for the overlay, marks it active
	// and deactivates the previous one. Returns the assigned version.
	Create(ctx context.Context, record *Record) (int, error)
	// GetActive returns the overlay's active version.
	GetActive(ctx context.Context, overlayID uuid.UUID) (*Record, error)
	// Get returns a specific version.
	Get(ctx context.Context, overlayID uuid.UUID, version int) (*Record, error)
	// List returns all versions, newest first.
	List(ctx context.Context, overlayID uuid.UUID) ([]Record, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID][]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID][]Record)}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, record *Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.records[record.OverlayID]
	next := 1
	for i := range existing {
		existing[i].Active = false
		if existing[i].Version >= next {
			next = existing[i].Version + 1
		}
	}

	stored := *record
	stored.Version = next
	stored.Active = true
	s.records[record.OverlayID] = append(existing, stored)
	record.Version = next
	record.Active = true
	return next, nil
}

// GetActive implements Store.
func (s *MemoryStore) GetActive(ctx context.Context, overlayID uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[overlayID] {
		if r.Active {
			copied := r
			return &copied, nil
		}
	}
	return nil, ErrModelNotFound.New("no active version for overlay %s", overlayID)
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, overlayID uuid.UUID, version int) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records[overlayID] {
		if r.Version == version {
			copied := r
			return &copied, nil
		}
	}
	return nil, ErrModelNotFound.New("overlay %s version %d", overlayID, version)
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, overlayID uuid.UUID) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := append([]Record(nil), s.records[overlayID]...)
	sort.Slice(records, func(i, j int) bool { return records[i].Version > records[j].Version })
	return records, nil
}
