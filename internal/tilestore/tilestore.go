// Package tilestore persists generated raster tiles addressed by overlay,
// transform version and slippy tile coordinates. Superseded versions are
// invalidated, not deleted: reclamation happens in a deferred sweep so
// in-flight reads of an old version keep working.
package tilestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"georef/internal/storage"
)

var (
	// ErrNotFound reports a missing tile.
	ErrNotFound = errs.Class("tile not found")
	// ErrInvalidTile reports tile coordinates outside [0, 2^z).
	ErrInvalidTile = errs.Class("invalid tile")
)

// FormatPNG is the only payload encoding the engine produces today.
const FormatPNG = "png"

// Tile is a stored raster tile.
type Tile struct {
	OverlayID uuid.UUID `json:"overlay_id"`
	Version   int       `json:"version"`
	Z         uint32    `json:"z"`
	X         uint32    `json:"x"`
	Y         uint32    `json:"y"`
	Format    string    `json:"format"`
	Payload   []byte    `json:"payload"`
	ETag      string    `json:"etag"`
	CreatedAt time.Time `json:"created_at"`
}

// envelope is the serialized form; the payload rides along base64-encoded.
type envelope struct {
	Format    string    `json:"format"`
	ETag      string    `json:"etag"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists tiles through a KeyValueStore.
type Store struct {
	log *zap.Logger
	kv  storage.KeyValueStore
}

// New creates a tile store on top of kv.
func New(log *zap.Logger, kv storage.KeyValueStore) *Store {
	return &Store{log: log, kv: kv}
}

func tileKey(overlayID uuid.UUID, version int, z, x, y uint32) storage.Key {
	return storage.Key(fmt.Sprintf("t/%s/%08d/%02d/%010d/%010d", overlayID, version, z, x, y))
}

func versionPrefix(overlayID uuid.UUID, version int) storage.Key {
	return storage.Key(fmt.Sprintf("t/%s/%08d/", overlayID, version))
}

func overlayPrefix(overlayID uuid.UUID) storage.Key {
	return storage.Key(fmt.Sprintf("t/%s/", overlayID))
}

func reclaimKey(overlayID uuid.UUID, version int) storage.Key {
	return storage.Key(fmt.Sprintf("gc/%s/%08d", overlayID, version))
}

// ETag returns the content hash used for tile payloads.
func ETag(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Put stores a tile, overwriting any previous payload at the same key.
// Regeneration races resolve last-writer-wins; identical payloads produce
// identical etags, so re-puts are idempotent.
func (s *Store) Put(ctx context.Context, tile *Tile) error {
	limit := uint32(1) << tile.Z
	if tile.X >= limit || tile.Y >= limit {
		return ErrInvalidTile.New("(%d, %d) at zoom %d", tile.X, tile.Y, tile.Z)
	}
	if tile.Format == "" {
		tile.Format = FormatPNG
	}
	tile.ETag = ETag(tile.Payload)
	if tile.CreatedAt.IsZero() {
		tile.CreatedAt = time.Now()
	}

	data, err := json.Marshal(envelope{
		Format:    tile.Format,
		ETag:      tile.ETag,
		Payload:   tile.Payload,
		CreatedAt: tile.CreatedAt,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	return s.kv.Put(ctx, tileKey(tile.OverlayID, tile.Version, tile.Z, tile.X, tile.Y), data)
}

// Get fetches a tile for a specific transform version. Tiles of other
// versions are never substituted.
func (s *Store) Get(ctx context.Context, overlayID uuid.UUID, version int, z, x, y uint32) (*Tile, error) {
	data, err := s.kv.Get(ctx, tileKey(overlayID, version, z, x, y))
	if err != nil {
		if storage.ErrKeyNotFound.Has(err) {
			return nil, ErrNotFound.New("overlay %s v%d %d/%d/%d", overlayID, version, z, x, y)
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.Wrap(err)
	}
	return &Tile{
		OverlayID: overlayID,
		Version:   version,
		Z:         z,
		X:         x,
		Y:         y,
		Format:    env.Format,
		Payload:   env.Payload,
		ETag:      env.ETag,
		CreatedAt: env.CreatedAt,
	}, nil
}

// Invalidate marks every tile of a transform version as reclaimable.
// Deletion is deferred to Sweep.
func (s *Store) Invalidate(ctx context.Context, overlayID uuid.UUID, version int) error {
	stamp := storage.Value(time.Now().UTC().Format(time.RFC3339))
	return s.kv.Put(ctx, reclaimKey(overlayID, version), stamp)
}

// Versions lists the transform versions with stored tiles, ascending.
func (s *Store) Versions(ctx context.Context, overlayID uuid.UUID) ([]int, error) {
	keys, err := s.kv.ListPrefix(ctx, overlayPrefix(overlayID))
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var versions []int
	for _, key := range keys {
		parts := strings.Split(string(key), "/")
		if len(parts) < 3 {
			continue
		}
		v, err := strconv.Atoi(parts[2])
		if err != nil || seen[v] {
			continue
		}
		seen[v] = true
		versions = append(versions, v)
	}
	return versions, nil
}

// EvictOlderThan marks all but the latest n versions of an overlay as
// reclaimable.
func (s *Store) EvictOlderThan(ctx context.Context, overlayID uuid.UUID, keepLatest int) error {
	versions, err := s.Versions(ctx, overlayID)
	if err != nil {
		return err
	}
	if keepLatest < 0 {
		keepLatest = 0
	}
	if len(versions) <= keepLatest {
		return nil
	}
	for _, v := range versions[:len(versions)-keepLatest] {
		if err := s.Invalidate(ctx, overlayID, v); err != nil {
			return err
		}
	}
	return nil
}

// Sweep deletes the tiles of every version previously marked reclaimable
// and returns the number of tiles removed.
func (s *Store) Sweep(ctx context.Context) (removed int, err error) {
	markers, err := s.kv.ListPrefix(ctx, storage.Key("gc/"))
	if err != nil {
		return 0, err
	}

	for _, marker := range markers {
		parts := strings.Split(string(marker), "/")
		if len(parts) != 3 {
			continue
		}
		overlayID, parseErr := uuid.Parse(parts[1])
		if parseErr != nil {
			continue
		}
		version, parseErr := strconv.Atoi(parts[2])
		if parseErr != nil {
			continue
		}

		keys, err := s.kv.ListPrefix(ctx, versionPrefix(overlayID, version))
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			if err := s.kv.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
		if err := s.kv.Delete(ctx, marker); err != nil {
			return removed, err
		}

		s.log.Info("reclaimed tile version",
			zap.Stringer("overlay", overlayID),
			zap.Int("version", version),
			zap.Int("tiles", len(keys)))
	}
	return removed, nil
}
