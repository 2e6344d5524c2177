package engine

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"tasksift/internal/classify"
	"tasksift/internal/domain"
	"tasksift/internal/events"
	"tasksift/internal/repo"
)

// PollResult summarizes one polling cycle. NewCandidates counts rows recorded
// as pending; Unscored counts new tasks the classifier returned nothing for,
// which stay eligible for the next cycle.
type PollResult struct {
	ConnectionID  string `json:"connection_id"`
	NewCandidates int    `json:"new_candidates"`
	Recorded      int    `json:"recorded"`
	Evaluated     int    `json:"evaluated"`
	Unscored      int    `json:"unscored"`
	Discarded     int    `json:"discarded"`
	PolledAt      string `json:"polled_at" format:"date-time"`
}

// Poll pulls the source project's incomplete tasks, scores the ones never seen
// on this connection and records them. Scores are only written once every
// batch evaluated successfully; last_polled_at advances in the same commit.
func (e Engine) Poll(ctx context.Context, c Caller, connectionID string) (PollResult, error) {
	src, cls, err := e.prepare(ctx, c)
	if err != nil {
		return PollResult{}, err
	}
	conn, err := e.Auth.OwnedConnection(ctx, c.ActorID, connectionID)
	if err != nil {
		return PollResult{}, store(err, "connection %s", connectionID)
	}
	return e.poll(ctx, c.ActorID, conn, src, cls)
}

// PollActive polls the actor's active connection.
func (e Engine) PollActive(ctx context.Context, c Caller) (PollResult, error) {
	src, cls, err := e.prepare(ctx, c)
	if err != nil {
		return PollResult{}, err
	}
	conn, err := e.Repo.ActiveConnection(ctx, c.ActorID)
	if err != nil {
		return PollResult{}, store(err, "active connection")
	}
	return e.poll(ctx, c.ActorID, conn, src, cls)
}

func (e Engine) poll(ctx context.Context, actorID string, conn domain.Connection, src TaskSource, cls *classify.Classifier) (PollResult, error) {
	unlock := e.lock(conn.ID)
	defer unlock()

	skill, err := e.Repo.LatestSkill(ctx, conn.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return PollResult{}, errors.Mark(errors.Wrapf(ErrSkillMissing, "connection %s", conn.ID), ErrNotFound)
	}
	if err != nil {
		return PollResult{}, store(err, "latest skill")
	}

	tasks, err := src.ListIncompleteTasks(ctx, conn.SourceProjectID)
	if err != nil {
		return PollResult{}, boardErr(err, "list tasks of source %s", conn.SourceProjectID)
	}
	seen, err := e.Repo.SeenTaskGIDs(ctx, conn.ID)
	if err != nil {
		return PollResult{}, store(err, "seen tasks")
	}
	var fresh []domain.SourceTask
	for _, t := range tasks {
		if _, ok := seen[t.ID]; ok || t.ID == "" {
			continue
		}
		seen[t.ID] = struct{}{}
		fresh = append(fresh, t)
	}

	res := PollResult{ConnectionID: conn.ID}
	var batch []domain.Candidate
	if len(fresh) > 0 {
		batch, res, err = e.evaluate(ctx, conn, skill, fresh, cls)
		if err != nil {
			return PollResult{}, err
		}
	}

	res.PolledAt = e.now()
	var inserted []domain.Candidate
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if inserted, err = e.Repo.InsertCandidates(ctx, tx, batch); err != nil {
			return err
		}
		return e.Repo.TouchPolled(ctx, tx, conn.ID, res.PolledAt)
	})
	if err != nil {
		return PollResult{}, store(err, "record candidates")
	}
	res.Recorded = len(inserted)
	for _, cand := range inserted {
		if cand.Status == domain.StatusPending {
			res.NewCandidates++
		}
	}

	if res.Recorded > 0 {
		e.Events.Append(ctx, events.CandidatesRecorded, "connection", conn.ID, actorID, events.EventPayload{
			"recorded":      res.Recorded,
			"pending":       res.NewCandidates,
			"skill_version": skill.Version,
		})
	}
	e.Events.Append(ctx, events.PollCompleted, "connection", conn.ID, actorID, events.EventPayload{
		"source_tasks": len(tasks),
		"new_tasks":    len(fresh),
		"unscored":     res.Unscored,
		"discarded":    res.Discarded,
	})
	return res, nil
}

// evaluate scores fresh tasks in batches and maps them to candidate rows.
// Any failed batch fails the whole cycle.
func (e Engine) evaluate(ctx context.Context, conn domain.Connection, skill domain.Skill, fresh []domain.SourceTask, cls *classify.Classifier) ([]domain.Candidate, PollResult, error) {
	res := PollResult{ConnectionID: conn.ID}
	size := e.skillConfig().EvaluationBatch
	if size <= 0 {
		size = len(fresh)
	}
	byID := make(map[string]domain.SourceTask, len(fresh))
	for _, t := range fresh {
		byID[t.ID] = t
	}
	threshold := skill.Criteria.ConfidenceThreshold
	created := e.now()

	var out []domain.Candidate
	for start := 0; start < len(fresh); start += size {
		end := min(start+size, len(fresh))
		scored, err := cls.EvaluateBatch(ctx, fresh[start:end], skill.Criteria)
		if err != nil {
			return nil, PollResult{}, errors.Wrapf(err, "evaluate tasks %d..%d", start+1, end)
		}
		res.Discarded += scored.Discarded
		for _, ev := range scored.Evaluations {
			t := byID[ev.TaskGID]
			cand := domain.Candidate{
				ID:           uuid.NewString(),
				ConnectionID: conn.ID,
				TaskGID:      t.ID,
				TaskName:     t.Name,
				AIScore:      ev.Score,
				AIReasoning:  ev.Reasoning,
				Status:       domain.StatusForScore(ev.Score, threshold),
				CreatedAt:    created,
			}
			if t.Notes != "" {
				notes := t.Notes
				cand.TaskNotes = &notes
			}
			out = append(out, cand)
		}
	}
	res.Evaluated = len(out)
	res.Unscored = len(fresh) - len(out)
	return out, res, nil
}
