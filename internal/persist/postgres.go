package persist

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS room_updates (
	seq  BIGSERIAL PRIMARY KEY,
	room TEXT NOT NULL,
	data BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS room_updates_room_seq ON room_updates (room, seq);
`

// PostgresLog stores every update as a row of room_updates. Sequence numbers
// are shared by all rooms and increase within each.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog creates the table if needed. The pool is owned by the
// caller.
func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, err
	}
	return &PostgresLog{pool: pool}, nil
}

func (l *PostgresLog) Append(ctx context.Context, room string, update []byte) (uint64, error) {
	var seq int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO room_updates (room, data) VALUES ($1, $2) RETURNING seq`,
		room, update,
	).Scan(&seq)
	return uint64(seq), err
}

func (l *PostgresLog) Entries(ctx context.Context, room string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT seq, data FROM room_updates WHERE room = $1 ORDER BY seq`,
		room,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var seq int64
		var data []byte
		err := row.Scan(&seq, &data)
		return Entry{Seq: uint64(seq), Update: data}, err
	})
}

func (l *PostgresLog) Compact(ctx context.Context, room string, upto uint64, snapshot []byte) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM room_updates WHERE room = $1 AND seq <= $2`,
			room, int64(upto),
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO room_updates (seq, room, data) VALUES ($1, $2, $3)`,
			int64(upto), room, snapshot,
		)
		return err
	})
}

func (l *PostgresLog) Close() error {
	return nil
}
