package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"tasksift/internal/asana"
	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/engine"
)

// boardOAuth connects the board through Asana's authorization-code grant. The
// callback carries no bearer token; the sealed state cookie names the actor.
type boardOAuth struct {
	engine      engine.Engine
	jar         *cookieJar
	oauth       *asana.OAuth
	basePath    string
	redirectURL string
	returnURL   string
	now         func() time.Time
}

func newBoardOAuth(e engine.Engine, cfg config.BoardOAuth, basePath string, jar *cookieJar) (*boardOAuth, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.WithHint(errors.New("board oauth client secret is missing"), "set board.oauth.client_secret or SIFT_BOARD_CLIENT_SECRET")
	}
	return &boardOAuth{
		engine: e,
		jar:    jar,
		oauth: asana.NewOAuth(asana.OAuthConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: credentials.Secret(cfg.ClientSecret),
			AuthURL:      cfg.AuthURL,
			TokenURL:     cfg.TokenURL,
		}),
		basePath:    basePath,
		redirectURL: cfg.RedirectURL,
		returnURL:   cfg.ReturnURL,
		now:         time.Now,
	}, nil
}

func (b *boardOAuth) callbackPath() string {
	return path.Join(b.basePath, "credentials/board/callback")
}

// redirectFor is the callback URL Asana must send the browser back to. It has
// to be identical in the consent URL and the code exchange.
func (b *boardOAuth) redirectFor(r *http.Request) string {
	if b.redirectURL != "" || r == nil {
		return b.redirectURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + b.callbackPath()
}

func registerBoardOAuth(api huma.API, router chi.Router, b *boardOAuth) {
	huma.Register(api, huma.Operation{
		OperationID: "authorize-board",
		Method:      http.MethodGet,
		Path:        "/credentials/board/authorize",
		Summary:     "Start connecting the board through OAuth",
		Description: "Returns the board's consent URL and sets a ten-minute state cookie. The board redirects the browser to /credentials/board/callback, which stores the token like PUT /credentials/board.",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie            `header:"Set-Cookie"`
		Body      BoardAuthorizeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := newOAuthState(actorID, b.now())
		if err != nil {
			return nil, handleError(err)
		}
		cookie, err := b.jar.sealState(st)
		if err != nil {
			return nil, handleError(err)
		}
		req, _ := ctx.Value(requestKey{}).(*http.Request)
		return &struct {
			SetCookie http.Cookie            `header:"Set-Cookie"`
			Body      BoardAuthorizeResponse `json:"body"`
		}{
			SetCookie: cookie,
			Body:      BoardAuthorizeResponse{AuthorizeURL: b.oauth.AuthCodeURL(st.State, b.redirectFor(req))},
		}, nil
	})

	router.Get(b.callbackPath(), b.callback)
}

func (b *boardOAuth) callback(w http.ResponseWriter, r *http.Request) {
	cleared := b.jar.clear(oauthStateCookie)
	http.SetCookie(w, &cleared)

	q := r.URL.Query()
	st, err := b.jar.openState(r, b.now())
	if err != nil || q.Get("state") == "" || subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(st.State)) != 1 {
		if err != nil {
			b.jar.logger.Debug("rejected oauth callback", "error", err)
		}
		b.fail(w, r, newAPIError(http.StatusBadRequest, "invalid_state", "oauth state is missing or stale", nil))
		return
	}
	if denied := q.Get("error"); denied != "" {
		b.fail(w, r, newAPIError(http.StatusBadRequest, "authorization_denied", "board authorization was not granted: "+denied, nil))
		return
	}
	token, user, err := b.engine.ExchangeBoardCode(r.Context(), st.ActorID, b.oauth, strings.TrimSpace(q.Get("code")), b.redirectFor(r))
	if err != nil {
		b.fail(w, r, handleError(err))
		return
	}
	cookie, err := b.jar.sealBoard(token)
	if err != nil {
		b.fail(w, r, handleError(err))
		return
	}
	http.SetCookie(w, &cookie)
	if b.returnURL != "" {
		http.Redirect(w, r, b.returnURL, http.StatusFound)
		return
	}
	creds := b.jar.read(r)
	creds.Board = token
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(BoardConnectedResponse{User: user, CredentialStatusResponse: credentialStatus(creds)})
}

// fail sends the browser back to the return URL with ?error=<code>, or
// answers with the error envelope when no return URL is configured.
func (b *boardOAuth) fail(w http.ResponseWriter, r *http.Request, apiErr huma.StatusError) {
	if b.returnURL != "" {
		if u, err := url.Parse(b.returnURL); err == nil {
			code := "error"
			if e, ok := apiErr.(*apiError); ok {
				code = e.Body.Code
			}
			values := u.Query()
			values.Set("error", code)
			u.RawQuery = values.Encode()
			http.Redirect(w, r, u.String(), http.StatusFound)
			return
		}
	}
	respondStatusError(w, apiErr)
}
