// Package auth scopes engine lookups to the calling actor.
package auth

import (
	"context"

	"github.com/cockroachdb/errors"

	"tasksift/internal/domain"
	"tasksift/internal/repo"
)

// ErrNotAuthenticated reports a call without an actor identity.
var ErrNotAuthenticated = errors.New("not authenticated")

// Service resolves entities on behalf of an actor. Entities owned by another
// actor are reported as repo.ErrNotFound so their existence does not leak.
type Service struct {
	Repo repo.Repo
}

func RequireActor(actorID string) error {
	if actorID == "" {
		return ErrNotAuthenticated
	}
	return nil
}

func (s Service) OwnedConnection(ctx context.Context, actorID, connectionID string) (domain.Connection, error) {
	if err := RequireActor(actorID); err != nil {
		return domain.Connection{}, err
	}
	conn, err := s.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Connection{}, err
	}
	if conn.ActorID != actorID {
		return domain.Connection{}, errors.Wrapf(repo.ErrNotFound, "connection %s", connectionID)
	}
	return conn, nil
}

// OwnedCandidate returns the candidate together with the connection that owns it.
func (s Service) OwnedCandidate(ctx context.Context, actorID, candidateID string) (domain.Candidate, domain.Connection, error) {
	if err := RequireActor(actorID); err != nil {
		return domain.Candidate{}, domain.Connection{}, err
	}
	cand, err := s.Repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return domain.Candidate{}, domain.Connection{}, err
	}
	conn, err := s.Repo.GetConnection(ctx, cand.ConnectionID)
	if err != nil {
		return domain.Candidate{}, domain.Connection{}, err
	}
	if conn.ActorID != actorID {
		return domain.Candidate{}, domain.Connection{}, errors.Wrapf(repo.ErrNotFound, "candidate %s", candidateID)
	}
	return cand, conn, nil
}
