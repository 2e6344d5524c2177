package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"tasksift/internal/domain"
)

const candidateColumns = `id,connection_id,task_gid,task_name,task_notes,ai_score,ai_reasoning,status,user_comment,reviewed_at,created_at`

func scanCandidate(row rowScanner) (domain.Candidate, error) {
	var c domain.Candidate
	var notes, comment, reviewed sql.NullString
	var status string
	err := row.Scan(&c.ID, &c.ConnectionID, &c.TaskGID, &c.TaskName, &notes, &c.AIScore, &c.AIReasoning, &status, &comment, &reviewed, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Status = domain.CandidateStatus(status)
	c.TaskNotes = stringPtr(notes)
	c.UserComment = stringPtr(comment)
	c.ReviewedAt = stringPtr(reviewed)
	return c, nil
}

// InsertCandidates records evaluated tasks keyed on (connection, task_gid).
// Rows whose key already exists are left untouched; only the rows actually
// written are returned.
func (r Repo) InsertCandidates(ctx context.Context, tx *sql.Tx, items []domain.Candidate) ([]domain.Candidate, error) {
	var inserted []domain.Candidate
	for _, c := range items {
		if !c.Status.Valid() {
			return nil, errors.Newf("invalid candidate status %q", c.Status)
		}
		res, err := r.on(tx).ExecContext(ctx, `INSERT INTO task_candidates(`+candidateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(connection_id, task_gid) DO NOTHING`,
			c.ID, c.ConnectionID, c.TaskGID, c.TaskName, nullableStringPtr(c.TaskNotes), c.AIScore, c.AIReasoning,
			string(c.Status), nullableStringPtr(c.UserComment), nullableStringPtr(c.ReviewedAt), c.CreatedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "insert candidate %s", c.TaskGID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, c)
		}
	}
	return inserted, nil
}

// SeenTaskGIDs returns every source task id already recorded for a connection.
func (r Repo) SeenTaskGIDs(ctx context.Context, connectionID string) (map[string]struct{}, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_gid FROM task_candidates WHERE connection_id=?`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]struct{}{}
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		seen[gid] = struct{}{}
	}
	return seen, rows.Err()
}

type CandidateFilters struct {
	ConnectionID string
	Status       domain.CandidateStatus
	Limit        int
}

func (r Repo) ListCandidates(ctx context.Context, f CandidateFilters) ([]domain.Candidate, error) {
	clauses := []string{"connection_id=?"}
	args := []any{f.ConnectionID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + candidateColumns + ` FROM task_candidates WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) GetCandidate(ctx context.Context, id string) (domain.Candidate, error) {
	return scanCandidate(r.DB.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM task_candidates WHERE id=?`, id))
}

// ReviewUpdate describes a review transition applied with compare-and-swap on status.
type ReviewUpdate struct {
	ID         string
	From       domain.CandidateStatus
	To         domain.CandidateStatus
	Comment    string
	ReviewedAt string
}

// TransitionCandidate applies u only while the candidate is still in u.From.
// Losing the race reports ErrConflict, an unknown id ErrNotFound. An empty
// Comment or ReviewedAt stores NULL, which is how a released claim goes back
// to pending.
func (r Repo) TransitionCandidate(ctx context.Context, u ReviewUpdate) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_candidates SET status=?, user_comment=?, reviewed_at=? WHERE id=? AND status=?`,
		string(u.To), nullable(u.Comment), nullable(u.ReviewedAt), u.ID, string(u.From))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current, err := r.GetCandidate(ctx, u.ID)
	if err != nil {
		return err
	}
	return errors.Mark(errors.Newf("candidate %s is %s, not %s", u.ID, current.Status, u.From), ErrConflict)
}

// reviewedWindow selects finished reviews; an approval still waiting on its
// board move does not count yet.
const reviewedWindow = `connection_id=? AND status IN ('moved','rejected') AND reviewed_at IS NOT NULL AND reviewed_at >= ?`

// CountReviewedSince counts candidates reviewed at or after since.
func (r Repo) CountReviewedSince(ctx context.Context, connectionID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_candidates WHERE `+reviewedWindow, connectionID, since).Scan(&n)
	return n, err
}

// FeedbackSince returns the review outcomes recorded at or after since, oldest first.
func (r Repo) FeedbackSince(ctx context.Context, connectionID, since string) ([]domain.Feedback, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_name, COALESCE(task_notes,''), status, COALESCE(user_comment,''), ai_score
FROM task_candidates
WHERE `+reviewedWindow+`
ORDER BY reviewed_at ASC, id ASC`, connectionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		var status string
		if err := rows.Scan(&f.TaskName, &f.TaskNotes, &status, &f.Comment, &f.Score); err != nil {
			return nil, err
		}
		f.Status = domain.CandidateStatus(status)
		res = append(res, f)
	}
	return res, rows.Err()
}

// CountByStatus returns candidate counts per status for a connection.
func (r Repo) CountByStatus(ctx context.Context, connectionID string) (map[domain.CandidateStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_candidates WHERE connection_id=? GROUP BY status`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.CandidateStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.CandidateStatus(status)] = n
	}
	return counts, rows.Err()
}
