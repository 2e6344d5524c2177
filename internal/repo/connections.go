package repo

import (
	"context"
	"database/sql"

	"tasksift/internal/domain"
)

const connectionColumns = `id,actor_id,source_project_id,source_project_name,dest_project_id,dest_project_name,last_polled_at,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (domain.Connection, error) {
	var c domain.Connection
	var polled sql.NullString
	err := row.Scan(&c.ID, &c.ActorID, &c.SourceProjectID, &c.SourceProjectName, &c.DestProjectID, &c.DestProjectName, &polled, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.LastPolledAt = stringPtr(polled)
	return c, nil
}

// ReplaceConnection retires the actor's existing connection, with its skills and
// candidates, and inserts c in its place.
func (r Repo) ReplaceConnection(ctx context.Context, tx *sql.Tx, c domain.Connection) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE actor_id=?`, c.ActorID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO connections(`+connectionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.ActorID, c.SourceProjectID, c.SourceProjectName, c.DestProjectID, c.DestProjectName,
		nullableStringPtr(c.LastPolledAt), c.CreatedAt)
	return err
}

func (r Repo) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	return scanConnection(r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id=?`, id))
}

// ActiveConnection returns the actor's single connection.
func (r Repo) ActiveConnection(ctx context.Context, actorID string) (domain.Connection, error) {
	return scanConnection(r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE actor_id=?`, actorID))
}

// TouchPolled advances last_polled_at.
func (r Repo) TouchPolled(ctx context.Context, tx *sql.Tx, id, ts string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE connections SET last_polled_at=? WHERE id=?`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
