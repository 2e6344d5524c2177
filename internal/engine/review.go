package engine

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"tasksift/internal/classify"
	"tasksift/internal/domain"
	"tasksift/internal/events"
	"tasksift/internal/repo"
)

// ReviewResult reports the stored status and whether a new skill version was
// minted. RefinementError carries a failed refinement, which does not undo the review.
type ReviewResult struct {
	CandidateID     string                 `json:"candidate_id"`
	Status          domain.CandidateStatus `json:"status"`
	SkillRefined    bool                   `json:"skill_refined"`
	SkillVersion    int                    `json:"skill_version,omitempty"`
	RefinementError string                 `json:"refinement_error,omitempty"`
}

// Review applies a reviewer decision to a pending candidate. Approval first
// claims the candidate (pending to approved) in the store, so only one caller
// ever reaches the board move, even across processes. A failed move releases
// the claim and leaves the candidate pending. Enough reviews since the current
// skill trigger refinement.
func (e Engine) Review(ctx context.Context, c Caller, candidateID string, action domain.ReviewAction, comment string) (ReviewResult, error) {
	if !action.Valid() {
		return ReviewResult{}, invalid("action must be approve or reject, got %q", action)
	}
	src, cls, err := e.prepare(ctx, c)
	if err != nil {
		return ReviewResult{}, err
	}
	_, conn, err := e.Auth.OwnedCandidate(ctx, c.ActorID, candidateID)
	if err != nil {
		return ReviewResult{}, store(err, "candidate %s", candidateID)
	}

	unlock := e.lock(conn.ID)
	defer unlock()

	cand, err := e.Repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return ReviewResult{}, store(err, "candidate %s", candidateID)
	}
	if cand.Status != domain.StatusPending {
		return ReviewResult{}, errors.Wrapf(ErrConflict, "candidate %s is already %s", cand.ID, cand.Status)
	}

	upd := repo.ReviewUpdate{
		ID:         cand.ID,
		From:       domain.StatusPending,
		To:         domain.StatusRejected,
		Comment:    strings.TrimSpace(comment),
		ReviewedAt: e.now(),
	}
	if action == domain.ActionApprove {
		upd.To = domain.StatusApproved
	}
	if err := e.Repo.TransitionCandidate(ctx, upd); err != nil {
		return ReviewResult{}, store(err, "review candidate %s", cand.ID)
	}
	if action == domain.ActionApprove {
		if err := e.completeMove(ctx, src, conn, cand, upd); err != nil {
			return ReviewResult{}, err
		}
		upd.To = domain.StatusMoved
	}
	to := upd.To
	e.Events.Append(ctx, events.CandidateReviewed, "candidate", cand.ID, c.ActorID, events.EventPayload{
		"action":   string(action),
		"status":   string(to),
		"task_gid": cand.TaskGID,
		"ai_score": cand.AIScore,
	})

	res := ReviewResult{CandidateID: cand.ID, Status: to}
	refined, err := e.maybeRefine(ctx, c.ActorID, conn, cls)
	if err != nil {
		e.logger().Warn("skill refinement failed", "connection_id", conn.ID, "error", err)
		e.Events.Append(ctx, events.RefinementFailed, "connection", conn.ID, c.ActorID, events.EventPayload{"error": err.Error()})
		res.RefinementError = err.Error()
		return res, nil
	}
	if refined != nil {
		res.SkillRefined = true
		res.SkillVersion = refined.Version
	}
	return res, nil
}

// completeMove moves a claimed candidate's task and records it as moved. When
// the board refuses, the claim is released so the candidate can be retried.
func (e Engine) completeMove(ctx context.Context, src TaskSource, conn domain.Connection, cand domain.Candidate, claim repo.ReviewUpdate) error {
	if err := src.MoveTask(ctx, cand.TaskGID, conn.DestProjectID); err != nil {
		moveErr := errors.Mark(errors.Wrapf(err, "move task %s to %s", cand.TaskGID, conn.DestProjectID), ErrExternalMove)
		release := repo.ReviewUpdate{ID: cand.ID, From: domain.StatusApproved, To: domain.StatusPending}
		if rerr := e.Repo.TransitionCandidate(context.WithoutCancel(ctx), release); rerr != nil {
			e.logger().Error("approval claim not released", "candidate_id", cand.ID, "error", rerr)
			return errors.CombineErrors(moveErr, store(rerr, "release candidate %s", cand.ID))
		}
		return moveErr
	}
	done := claim
	done.From, done.To = domain.StatusApproved, domain.StatusMoved
	if err := e.Repo.TransitionCandidate(ctx, done); err != nil {
		e.logger().Warn("task moved but review not recorded", "candidate_id", cand.ID, "task_gid", cand.TaskGID, "error", err)
		return store(err, "review candidate %s", cand.ID)
	}
	return nil
}

// maybeRefine mints the next skill version once the reviews recorded since the
// current version reach the refinement threshold. It returns nil when no
// refinement was due.
func (e Engine) maybeRefine(ctx context.Context, actorID string, conn domain.Connection, cls *classify.Classifier) (*domain.Skill, error) {
	current, err := e.Repo.LatestSkill(ctx, conn.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, store(err, "latest skill")
	}
	reviewed, err := e.Repo.CountReviewedSince(ctx, conn.ID, current.CreatedAt)
	if err != nil {
		return nil, store(err, "count reviews")
	}
	if reviewed < e.skillConfig().RefinementThreshold {
		return nil, nil
	}
	feedback, err := e.Repo.FeedbackSince(ctx, conn.ID, current.CreatedAt)
	if err != nil {
		return nil, store(err, "collect feedback")
	}
	criteria, err := cls.RefineSkill(ctx, current.Criteria, feedback)
	if err != nil {
		return nil, err
	}
	next := domain.Skill{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		Version:      current.Version + 1,
		Criteria:     criteria,
		CreatedAt:    e.now(),
	}
	if err := e.Repo.InsertSkill(ctx, nil, next); err != nil {
		return nil, store(err, "insert skill v%d", next.Version)
	}
	e.Events.Append(ctx, events.SkillRefined, "skill", next.ID, actorID, events.EventPayload{
		"connection_id": conn.ID,
		"version":       next.Version,
		"feedback":      len(feedback),
		"threshold":     criteria.ConfidenceThreshold,
	})
	return &next, nil
}
