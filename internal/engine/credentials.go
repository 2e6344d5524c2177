package engine

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"tasksift/internal/asana"
	"tasksift/internal/classify"
	"tasksift/internal/credentials"
	"tasksift/internal/domain"
	"tasksift/internal/engine/auth"
)

// VerifyBoardToken checks a board token before it is accepted and returns the
// account it belongs to. A token the board refuses is invalid input.
func (e Engine) VerifyBoardToken(ctx context.Context, actorID string, token credentials.Secret) (domain.BoardUser, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return domain.BoardUser{}, err
	}
	if token.Empty() {
		return domain.BoardUser{}, invalid("board token is required")
	}
	if e.NewSource == nil {
		return domain.BoardUser{}, errors.New("engine has no task source factory")
	}
	user, err := e.NewSource(token).Me(ctx)
	if err != nil {
		var apiErr *asana.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return domain.BoardUser{}, errors.Mark(errors.Wrap(err, "board rejected the token"), ErrInvalidInput)
		}
		return domain.BoardUser{}, boardErr(err, "verify token")
	}
	return user, nil
}

// CodeExchanger trades an OAuth authorization code for a board token.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, redirectURL string) (credentials.Secret, error)
}

// ExchangeBoardCode finishes the board's OAuth grant: the code is traded for a
// token, which is verified like a pasted one. A code the token endpoint
// refuses is invalid input.
func (e Engine) ExchangeBoardCode(ctx context.Context, actorID string, oauth CodeExchanger, code, redirectURL string) (credentials.Secret, domain.BoardUser, error) {
	if err := auth.RequireActor(actorID); err != nil {
		return "", domain.BoardUser{}, err
	}
	if code == "" {
		return "", domain.BoardUser{}, invalid("authorization code is required")
	}
	token, err := oauth.Exchange(ctx, code, redirectURL)
	if err != nil {
		var apiErr *asana.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return "", domain.BoardUser{}, errors.Mark(errors.Wrap(err, "board refused the authorization code"), ErrInvalidInput)
		}
		return "", domain.BoardUser{}, boardErr(err, "exchange authorization code")
	}
	user, err := e.VerifyBoardToken(ctx, actorID, token)
	if err != nil {
		return "", domain.BoardUser{}, err
	}
	e.logger().Info("board connected through oauth", "actor_id", actorID, "board_user", user.ID)
	return token, user, nil
}

// VerifyClassifier builds the backend for cred and sends it a minimal request.
func (e Engine) VerifyClassifier(ctx context.Context, actorID string, cred credentials.Classifier) error {
	if err := auth.RequireActor(actorID); err != nil {
		return err
	}
	cred.Provider = credentials.NormalizeProvider(cred.Provider)
	if !credentials.KnownProvider(cred.Provider) {
		return invalid("unknown classifier provider %q", cred.Provider)
	}
	if credentials.RequiresKey(cred.Provider) && cred.APIKey.Empty() {
		return invalid("provider %s requires an api key", cred.Provider)
	}
	if e.NewCompleter == nil {
		return errors.New("engine has no classifier factory")
	}
	completer, err := e.NewCompleter(ctx, cred)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "classifier %s", cred.Provider), ErrInvalidInput)
	}
	if err := classify.Ping(ctx, completer); err != nil {
		return errors.Mark(errors.Wrapf(err, "classifier %s rejected the request", cred.Provider), ErrInvalidInput)
	}
	e.logger().Info("classifier verified", "actor_id", actorID, "provider", cred.Provider)
	return nil
}
