// Package projectstore implements the project-file persistence collaborator
// named in spec §6: a composite container holding a collimator geometry, a
// linear append-only version history (monotone integers assigned on save),
// zero or more simulation results, free-form notes and a thumbnail. The core
// engine never imports this package — it is a host-side concern, wired here
// as a Postgres-backed implementation in the manner of the teacher's own
// repository adapters (github.com/jmoiron/sqlx over github.com/lib/pq).
package projectstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cargoxray/collimator/beam"
	"github.com/cargoxray/collimator/colliderr"
	"github.com/cargoxray/collimator/raytrace"
)

// Version is one entry of a project's linear, append-only history: a
// geometry snapshot, an optional change note, and the monotone number
// assigned to it on save.
type Version struct {
	Number     int               `json:"number"`
	Geometry   raytrace.Geometry `json:"geometry"`
	ChangeNote string            `json:"change_note,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ProjectFile is the composite container of spec §6: the current geometry,
// its version history, every simulation result saved against it, free-form
// notes, and an optional thumbnail image.
type ProjectFile struct {
	ID          uuid.UUID               `json:"id"`
	Name        string                  `json:"name"`
	Geometry    raytrace.Geometry       `json:"geometry"`
	Versions    []Version               `json:"versions,omitempty"`
	Results     []beam.SimulationResult `json:"results,omitempty"`
	Notes       string                  `json:"notes,omitempty"`
	ThumbnailID uuid.UUID               `json:"thumbnail_id,omitempty"`
	Thumbnail   []byte                  `json:"-"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Store is the persistence interface the reference host (cmd/collimatorweb)
// depends on. PostgresStore is the only implementation in this module, but
// the interface keeps the host decoupled from it for testing.
type Store interface {
	CreateProject(ctx context.Context, name string, geom raytrace.Geometry) (*ProjectFile, error)
	GetProject(ctx context.Context, id uuid.UUID) (*ProjectFile, error)
	ListProjects(ctx context.Context) ([]*ProjectFile, error)
	SaveVersion(ctx context.Context, id uuid.UUID, geom raytrace.Geometry, changeNote string) (Version, error)
	RestoreVersion(ctx context.Context, id uuid.UUID, number int) (Version, error)
	AppendResult(ctx context.Context, id uuid.UUID, result *beam.SimulationResult) error
	SetNotes(ctx context.Context, id uuid.UUID, notes string) error
	SetThumbnail(ctx context.Context, id uuid.UUID, png []byte) (uuid.UUID, error)
}

// PostgresStore is a Store backed by a Postgres database reached through
// sqlx, following the adapter shape of the pack's own postgres
// repositories: a thin struct wrapping *sqlx.DB, one method per operation,
// $N placeholders, Context-suffixed calls throughout.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to Postgres at dsn via the lib/pq driver and wraps the
// resulting *sql.DB in sqlx.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "connecting to project store")
	}
	return db, nil
}

// NewPostgresStore wraps an already-open *sqlx.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "gob-encoding project payload")
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return colliderr.Wrap(colliderr.StorageFailure, err, "gob-decoding project payload")
	}
	return nil
}

// CreateProject inserts a new project at version 0 with an empty history.
func (s *PostgresStore) CreateProject(ctx context.Context, name string, geom raytrace.Geometry) (*ProjectFile, error) {
	geomBytes, err := encodeGob(geom)
	if err != nil {
		return nil, err
	}
	id, now := uuid.New(), time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, geometry, notes, created_at, updated_at) VALUES ($1, $2, $3, '', $4, $4)`,
		id, name, geomBytes, now)
	if err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "creating project %q", name)
	}
	return &ProjectFile{ID: id, Name: name, Geometry: geom, CreatedAt: now, UpdatedAt: now}, nil
}

type projectRow struct {
	ID          uuid.UUID     `db:"id"`
	Name        string        `db:"name"`
	Geometry    []byte        `db:"geometry"`
	Notes       string        `db:"notes"`
	ThumbnailID uuid.NullUUID `db:"thumbnail_id"`
	Thumbnail   []byte        `db:"thumbnail"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// GetProject loads a project along with its full version history and every
// saved simulation result.
func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*ProjectFile, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, geometry, notes, thumbnail_id, thumbnail, created_at, updated_at FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, colliderr.New(colliderr.NotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "loading project %s", id)
	}
	var geom raytrace.Geometry
	if err := decodeGob(row.Geometry, &geom); err != nil {
		return nil, err
	}
	versions, err := s.listVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := s.listResults(ctx, id)
	if err != nil {
		return nil, err
	}
	pf := &ProjectFile{
		ID: row.ID, Name: row.Name, Geometry: geom, Notes: row.Notes, Thumbnail: row.Thumbnail,
		Versions: versions, Results: results, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if row.ThumbnailID.Valid {
		pf.ThumbnailID = row.ThumbnailID.UUID
	}
	return pf, nil
}

// ListProjects returns every project, most recently updated first.
func (s *PostgresStore) ListProjects(ctx context.Context) ([]*ProjectFile, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, geometry, notes, created_at, updated_at FROM projects ORDER BY updated_at DESC`); err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "listing projects")
	}
	out := make([]*ProjectFile, len(rows))
	for i, r := range rows {
		var geom raytrace.Geometry
		if err := decodeGob(r.Geometry, &geom); err != nil {
			return nil, err
		}
		out[i] = &ProjectFile{ID: r.ID, Name: r.Name, Geometry: geom, Notes: r.Notes, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
	}
	return out, nil
}

type versionRow struct {
	Number     int       `db:"number"`
	Geometry   []byte    `db:"geometry"`
	ChangeNote string    `db:"change_note"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *PostgresStore) listVersions(ctx context.Context, id uuid.UUID) ([]Version, error) {
	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT number, geometry, change_note, created_at FROM project_versions WHERE project_id = $1 ORDER BY number`, id); err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "listing versions for project %s", id)
	}
	out := make([]Version, len(rows))
	for i, r := range rows {
		var geom raytrace.Geometry
		if err := decodeGob(r.Geometry, &geom); err != nil {
			return nil, err
		}
		out[i] = Version{Number: r.Number, Geometry: geom, ChangeNote: r.ChangeNote, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (s *PostgresStore) getVersion(ctx context.Context, id uuid.UUID, number int) (Version, error) {
	var row versionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT number, geometry, change_note, created_at FROM project_versions WHERE project_id = $1 AND number = $2`, id, number)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, colliderr.New(colliderr.NotFound, "project %s has no version %d", id, number)
	}
	if err != nil {
		return Version{}, colliderr.Wrap(colliderr.StorageFailure, err, "loading version %d of project %s", number, id)
	}
	var geom raytrace.Geometry
	if err := decodeGob(row.Geometry, &geom); err != nil {
		return Version{}, err
	}
	return Version{Number: row.Number, Geometry: geom, ChangeNote: row.ChangeNote, CreatedAt: row.CreatedAt}, nil
}

// SaveVersion appends a new version with the next monotone number, and
// updates the project's current geometry to match (spec §6: "version
// numbers are monotone integers assigned on save").
func (s *PostgresStore) SaveVersion(ctx context.Context, id uuid.UUID, geom raytrace.Geometry, changeNote string) (Version, error) {
	geomBytes, err := encodeGob(geom)
	if err != nil {
		return Version{}, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Version{}, colliderr.Wrap(colliderr.StorageFailure, err, "beginning version transaction for project %s", id)
	}
	defer tx.Rollback()

	var next int
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM project_versions WHERE project_id = $1`, id); err != nil {
		return Version{}, colliderr.Wrap(colliderr.StorageFailure, err, "computing next version number for project %s", id)
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_versions (project_id, number, geometry, change_note, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, next, geomBytes, changeNote, now); err != nil {
		return Version{}, colliderr.Wrap(colliderr.StorageFailure, err, "inserting version %d for project %s", next, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET geometry = $2, updated_at = $3 WHERE id = $1`, id, geomBytes, now); err != nil {
		return Version{}, colliderr.Wrap(colliderr.StorageFailure, err, "updating project %s current geometry", id)
	}
	if err := tx.Commit(); err != nil {
		return Version{}, colliderr.Wrap(colliderr.StorageFailure, err, "committing version %d for project %s", next, id)
	}
	return Version{Number: next, Geometry: geom, ChangeNote: changeNote, CreatedAt: now}, nil
}

// RestoreVersion appends a new version whose payload equals version number,
// rather than rewriting history (spec §3 edge case: "restoring version k
// then saving appends version k+1 whose payload equals k").
func (s *PostgresStore) RestoreVersion(ctx context.Context, id uuid.UUID, number int) (Version, error) {
	v, err := s.getVersion(ctx, id, number)
	if err != nil {
		return Version{}, err
	}
	return s.SaveVersion(ctx, id, v.Geometry, fmt.Sprintf("restored from version %d", number))
}

type resultRow struct {
	Result    []byte    `db:"result"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *PostgresStore) listResults(ctx context.Context, id uuid.UUID) ([]beam.SimulationResult, error) {
	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT result, created_at FROM project_results WHERE project_id = $1 ORDER BY created_at`, id); err != nil {
		return nil, colliderr.Wrap(colliderr.StorageFailure, err, "listing results for project %s", id)
	}
	out := make([]beam.SimulationResult, len(rows))
	for i, r := range rows {
		if err := decodeGob(r.Result, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AppendResult saves one simulation result against a project (spec §6:
// "zero or more simulation results").
func (s *PostgresStore) AppendResult(ctx context.Context, id uuid.UUID, result *beam.SimulationResult) error {
	resultBytes, err := encodeGob(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_results (project_id, result, created_at) VALUES ($1, $2, $3)`, id, resultBytes, time.Now())
	if err != nil {
		return colliderr.Wrap(colliderr.StorageFailure, err, "saving result for project %s", id)
	}
	return nil
}

// SetNotes overwrites a project's free-form notes.
func (s *PostgresStore) SetNotes(ctx context.Context, id uuid.UUID, notes string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET notes = $2, updated_at = $3 WHERE id = $1`, id, notes, time.Now())
	if err != nil {
		return colliderr.Wrap(colliderr.StorageFailure, err, "setting notes for project %s", id)
	}
	return nil
}

// SetThumbnail replaces a project's thumbnail image, keyed by a freshly
// minted id (spec §6; monotone version numbers remain authoritative for
// history, UUIDs key blob storage only).
func (s *PostgresStore) SetThumbnail(ctx context.Context, id uuid.UUID, png []byte) (uuid.UUID, error) {
	thumbID := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET thumbnail_id = $2, thumbnail = $3, updated_at = $4 WHERE id = $1`, id, thumbID, png, time.Now())
	if err != nil {
		return uuid.Nil, colliderr.Wrap(colliderr.StorageFailure, err, "setting thumbnail for project %s", id)
	}
	return thumbID, nil
}
