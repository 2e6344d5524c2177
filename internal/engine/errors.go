package engine

import (
	"context"

	"github.com/cockroachdb/errors"

	"tasksift/internal/engine/auth"
	"tasksift/internal/repo"
)

var (
	ErrNotConnected  = errors.New("task board not connected")
	ErrNotConfigured = errors.New("classifier not configured")
	ErrNotFound      = repo.ErrNotFound
	ErrConflict      = repo.ErrConflict
	ErrInvalidInput  = errors.New("invalid input")
	ErrExternalMove  = errors.New("external move failed")
	ErrBoard         = errors.New("task board request failed")
	ErrPersistence   = errors.New("persistence failure")

	// ErrSkillMissing reports a connection whose bootstrap has not produced a
	// skill. It always travels marked ErrNotFound.
	ErrSkillMissing = errors.New("connection has no skill yet")
)

// store marks a repository failure as ErrPersistence. Not-found and conflict
// outcomes keep their own identity.
func store(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	if errors.IsAny(err, repo.ErrNotFound, repo.ErrConflict, auth.ErrNotAuthenticated, context.Canceled, context.DeadlineExceeded) {
		return wrapped
	}
	return errors.Mark(wrapped, ErrPersistence)
}

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidInput)
}
