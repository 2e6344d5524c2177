package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"tasksift/internal/classify"
	"tasksift/internal/domain"
	"tasksift/internal/events"
)

// PairingResult is the new connection and, when bootstrap succeeded, its first skill.
type PairingResult struct {
	Connection domain.Connection `json:"connection"`
	Skill      *domain.Skill     `json:"skill,omitempty"`
}

// CreatePairing replaces the actor's connection with source → dest and bootstraps
// skill v1 from the destination's tasks. When bootstrap fails the new connection
// is kept without a skill and the error is returned alongside it.
func (e Engine) CreatePairing(ctx context.Context, c Caller, source, dest domain.ProjectRef) (PairingResult, error) {
	source.ID, dest.ID = strings.TrimSpace(source.ID), strings.TrimSpace(dest.ID)
	if source.ID == "" || dest.ID == "" {
		return PairingResult{}, invalid("source and destination project ids are required")
	}
	if source.ID == dest.ID {
		return PairingResult{}, invalid("source and destination must be different projects")
	}
	src, cls, err := e.prepare(ctx, c)
	if err != nil {
		return PairingResult{}, err
	}
	if source.Name == "" {
		source.Name = source.ID
	}
	if dest.Name == "" {
		dest.Name = dest.ID
	}

	unlock := e.lock("actor:" + c.ActorID)
	defer unlock()

	conn := domain.Connection{
		ID:                uuid.NewString(),
		ActorID:           c.ActorID,
		SourceProjectID:   source.ID,
		SourceProjectName: source.Name,
		DestProjectID:     dest.ID,
		DestProjectName:   dest.Name,
		CreatedAt:         e.now(),
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.ReplaceConnection(ctx, tx, conn)
	})
	if err != nil {
		return PairingResult{}, store(err, "replace connection")
	}
	e.Events.Append(ctx, events.ConnectionReplaced, "connection", conn.ID, c.ActorID, events.EventPayload{
		"source_project_id": conn.SourceProjectID,
		"dest_project_id":   conn.DestProjectID,
	})

	res := PairingResult{Connection: conn}
	skill, err := e.bootstrap(ctx, c.ActorID, conn, src, cls)
	if err != nil {
		e.logger().Warn("bootstrap failed", "connection_id", conn.ID, "error", err)
		return res, err
	}
	res.Skill = &skill
	return res, nil
}

// Bootstrap mints skill v1 for a connection whose earlier bootstrap failed.
func (e Engine) Bootstrap(ctx context.Context, c Caller, connectionID string) (domain.Skill, error) {
	src, cls, err := e.prepare(ctx, c)
	if err != nil {
		return domain.Skill{}, err
	}
	conn, err := e.Auth.OwnedConnection(ctx, c.ActorID, connectionID)
	if err != nil {
		return domain.Skill{}, store(err, "connection %s", connectionID)
	}
	unlock := e.lock(conn.ID)
	defer unlock()

	n, err := e.Repo.CountSkills(ctx, conn.ID)
	if err != nil {
		return domain.Skill{}, store(err, "count skills")
	}
	if n > 0 {
		return domain.Skill{}, errors.Wrapf(ErrConflict, "connection %s already has %d skill versions", conn.ID, n)
	}
	return e.bootstrap(ctx, c.ActorID, conn, src, cls)
}

func (e Engine) bootstrap(ctx context.Context, actorID string, conn domain.Connection, src TaskSource, cls *classify.Classifier) (domain.Skill, error) {
	tasks, err := src.ListIncompleteTasks(ctx, conn.DestProjectID)
	if err != nil {
		return domain.Skill{}, boardErr(err, "list tasks of destination %s", conn.DestProjectID)
	}
	criteria, err := cls.GenerateSkill(ctx, tasks)
	if errors.Is(err, classify.ErrNoSeedTasks) {
		return domain.Skill{}, errors.Mark(errors.Wrapf(err, "destination %s", conn.DestProjectID), ErrInvalidInput)
	}
	if err != nil {
		return domain.Skill{}, err
	}
	skill := domain.Skill{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		Version:      1,
		Criteria:     criteria,
		CreatedAt:    e.now(),
	}
	if err := e.Repo.InsertSkill(ctx, nil, skill); err != nil {
		return domain.Skill{}, store(err, "insert skill v1")
	}
	e.Events.Append(ctx, events.SkillCreated, "skill", skill.ID, actorID, events.EventPayload{
		"connection_id": conn.ID,
		"version":       skill.Version,
		"seed_tasks":    len(tasks),
	})
	return skill, nil
}
