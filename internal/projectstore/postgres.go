package projectstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS projects (
	room_id       TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	lang          TEXT NOT NULL DEFAULT '',
	files         JSONB NOT NULL DEFAULT '{}',
	last_modified TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS projects_owner ON projects (owner_id);
`

const projectColumns = `room_id, owner_id, name, lang, files, last_modified`

// PostgresStore keeps projects in the projects table, files as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.RoomID, &p.OwnerID, &p.Name, &p.Lang, &p.Files, &p.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, roomID string) (*Project, error) {
	return scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE room_id = $1`, roomID))
}

func (s *PostgresStore) Put(ctx context.Context, p *Project) (*Project, error) {
	var files any
	if p.Files != nil {
		files = p.Files
	}
	return scanProject(s.pool.QueryRow(ctx, `
INSERT INTO projects (room_id, owner_id, name, lang, files)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb))
ON CONFLICT (room_id) DO UPDATE SET
	owner_id = CASE WHEN projects.owner_id = '' THEN EXCLUDED.owner_id ELSE projects.owner_id END,
	name = CASE WHEN EXCLUDED.name = '' THEN projects.name ELSE EXCLUDED.name END,
	lang = CASE WHEN EXCLUDED.lang = '' THEN projects.lang ELSE EXCLUDED.lang END,
	files = CASE WHEN $5::jsonb IS NULL THEN projects.files ELSE EXCLUDED.files END,
	last_modified = now()
RETURNING `+projectColumns,
		p.RoomID, p.OwnerID, p.Name, p.Lang, files))
}

func (s *PostgresStore) Delete(ctx context.Context, roomID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE room_id = $1`, roomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Patch(ctx context.Context, roomID string, patch Patch) (*Project, error) {
	return scanProject(s.pool.QueryRow(ctx, `
UPDATE projects SET
	name = CASE WHEN $2::text = '' THEN name ELSE $2::text END,
	lang = CASE WHEN $3::text = '' THEN lang ELSE $3::text END,
	last_modified = now()
WHERE room_id = $1
RETURNING `+projectColumns,
		roomID, patch.Name, patch.Lang))
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY last_modified DESC, room_id`,
		ownerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Project, error) {
		return scanProject(row)
	})
}
