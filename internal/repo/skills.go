package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"tasksift/internal/domain"
)

func scanSkill(row rowScanner) (domain.Skill, error) {
	var s domain.Skill
	var payload string
	err := row.Scan(&s.ID, &s.ConnectionID, &s.Version, &payload, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	criteria, err := domain.DecodeCriteria([]byte(payload), 0)
	if err != nil {
		return s, errors.Wrapf(err, "skill %s v%d", s.ID, s.Version)
	}
	s.Criteria = criteria
	return s, nil
}

// InsertSkill stores a new skill version. A duplicate (connection, version) pair
// reports ErrConflict so concurrent refinements cannot both mint the same version.
func (r Repo) InsertSkill(ctx context.Context, tx *sql.Tx, s domain.Skill) error {
	payload, err := s.Criteria.Marshal()
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO skills(id,connection_id,version,criteria_json,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ConnectionID, s.Version, string(payload), s.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "skill v%d for connection %s", s.Version, s.ConnectionID), ErrConflict)
	}
	return err
}

// LatestSkill returns the highest version for a connection.
func (r Repo) LatestSkill(ctx context.Context, connectionID string) (domain.Skill, error) {
	return scanSkill(r.DB.QueryRowContext(ctx, `SELECT id,connection_id,version,criteria_json,created_at FROM skills
WHERE connection_id=? ORDER BY version DESC LIMIT 1`, connectionID))
}

func (r Repo) CountSkills(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM skills WHERE connection_id=?`, connectionID).Scan(&n)
	return n, err
}

// ListSkills returns every version, newest first.
func (r Repo) ListSkills(ctx context.Context, connectionID string) ([]domain.Skill, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,connection_id,version,criteria_json,created_at FROM skills
WHERE connection_id=? ORDER BY version DESC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Skill
	for rows.Next() {
		s, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
