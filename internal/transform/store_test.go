package transform

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"georef/pkg/geometry"
)

func solvedModel(t *testing.T) *Model {
	solver := NewSolver(zaptest.NewLogger(t), Options{})
	ties := []Tie{tieAt(100, 100), tieAt(800, 200), tieAt(300, 700)}
	model, _, err := solver.Solve(ties, Affine, testPage())
	require.NoError(t, err)
	return model
}

func TestMemoryStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	overlayID := uuid.New()
	model := solvedModel(t)

	record, err := NewRecord(overlayID, model)
	require.NoError(t, err)
	v1, err := store.Create(ctx, record)
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	record2, err := NewRecord(overlayID, model)
	require.NoError(t, err)
	v2, err := store.Create(ctx, record2)
	require.NoError(t, err)
	require.Equal(t, 2, v2)

	active, err := store.GetActive(ctx, overlayID)
	require.NoError(t, err)
	require.Equal(t, 2, active.Version)
	require.True(t, active.Active)

	// Superseded versions stay readable.
	old, err := store.Get(ctx, overlayID, 1)
	require.NoError(t, err)
	require.False(t, old.Active)

	decoded, err := old.Model()
	require.NoError(t, err)
	require.Equal(t, model.Kind, decoded.Kind)

	records, err := store.List(ctx, overlayID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 2, records[0].Version)
}

func TestMemoryStoreMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetActive(ctx, uuid.New())
	require.True(t, ErrModelNotFound.Has(err))

	_, err = store.Get(ctx, uuid.New(), 1)
	require.True(t, ErrModelNotFound.Has(err))
}

func TestRecordCarriesBounds(t *testing.T) {
	model := solvedModel(t)
	record, err := NewRecord(uuid.New(), model)
	require.NoError(t, err)

	require.Equal(t, model.Bounds, geometry.Bounds{
		North: record.North, South: record.South,
		East: record.East, West: record.West,
	})
	require.Equal(t, model.RMSE, record.RMSE)
	require.Equal(t, string(Affine), record.Kind)
}
