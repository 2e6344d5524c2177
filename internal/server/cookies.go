package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"

	"tasksift/internal/credentials"
	"tasksift/internal/engine"
)

const (
	boardCookie      = "sift_board"
	classifierCookie = "sift_classifier"
	oauthStateCookie = "sift_oauth_state"
	cookieMaxAge     = 30 * 24 * 60 * 60
	oauthStateMaxAge = 10 * 60
)

// cookieJar keeps the caller's credentials in sealed HttpOnly cookies.
type cookieJar struct {
	board      *credentials.Sealer
	classifier *credentials.Sealer
	state      *credentials.Sealer
	secure     bool
	logger     *slog.Logger
}

type sealedClassifier struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
}

func newCookieJar(secret []byte, secure bool, logger *slog.Logger) (*cookieJar, error) {
	board, err := credentials.NewSealer(secret, "board-token")
	if err != nil {
		return nil, errors.Wrap(err, "board cookie sealer")
	}
	cls, err := credentials.NewSealer(secret, "classifier")
	if err != nil {
		return nil, errors.Wrap(err, "classifier cookie sealer")
	}
	state, err := credentials.NewSealer(secret, "oauth-state")
	if err != nil {
		return nil, errors.Wrap(err, "oauth state sealer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &cookieJar{board: board, classifier: cls, state: state, secure: secure, logger: logger}, nil
}

// read returns whatever credentials the request carries. Cookies that fail to
// open are treated as absent.
func (j *cookieJar) read(r *http.Request) credentials.Static {
	var out credentials.Static
	if r == nil {
		return out
	}
	if c, err := r.Cookie(boardCookie); err == nil {
		if raw, err := j.board.Open(c.Value); err == nil {
			out.Board = credentials.Secret(raw)
		} else {
			j.logger.Debug("ignoring board cookie", "error", err)
		}
	}
	if c, err := r.Cookie(classifierCookie); err == nil {
		raw, err := j.classifier.Open(c.Value)
		var sc sealedClassifier
		if err == nil {
			err = json.Unmarshal(raw, &sc)
		}
		if err == nil {
			out.ClassifierProvider = sc.Provider
			out.ClassifierKey = credentials.Secret(sc.APIKey)
		} else {
			j.logger.Debug("ignoring classifier cookie", "error", err)
		}
	}
	return out
}

func (j *cookieJar) sealBoard(token credentials.Secret) (http.Cookie, error) {
	value, err := j.board.Seal([]byte(token.Reveal()))
	if err != nil {
		return http.Cookie{}, errors.Wrap(err, "seal board token")
	}
	return j.cookie(boardCookie, value, cookieMaxAge), nil
}

func (j *cookieJar) sealClassifier(cred credentials.Classifier) (http.Cookie, error) {
	payload, err := json.Marshal(sealedClassifier{Provider: cred.Provider, APIKey: cred.APIKey.Reveal()})
	if err != nil {
		return http.Cookie{}, errors.Wrap(err, "encode classifier credentials")
	}
	value, err := j.classifier.Seal(payload)
	if err != nil {
		return http.Cookie{}, errors.Wrap(err, "seal classifier credentials")
	}
	return j.cookie(classifierCookie, value, cookieMaxAge), nil
}

// oauthState binds an OAuth round trip to the actor that started it.
type oauthState struct {
	State    string `json:"state"`
	ActorID  string `json:"actor_id"`
	IssuedAt int64  `json:"iat"`
}

func newOAuthState(actorID string, now time.Time) (oauthState, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return oauthState{}, errors.Wrap(err, "generate oauth state")
	}
	return oauthState{State: hex.EncodeToString(b), ActorID: actorID, IssuedAt: now.Unix()}, nil
}

func (j *cookieJar) sealState(st oauthState) (http.Cookie, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return http.Cookie{}, errors.Wrap(err, "encode oauth state")
	}
	value, err := j.state.Seal(payload)
	if err != nil {
		return http.Cookie{}, errors.Wrap(err, "seal oauth state")
	}
	return j.cookie(oauthStateCookie, value, oauthStateMaxAge), nil
}

// openState returns the state sealed by sealState if it is still fresh.
func (j *cookieJar) openState(r *http.Request, now time.Time) (oauthState, error) {
	c, err := r.Cookie(oauthStateCookie)
	if err != nil {
		return oauthState{}, errors.New("no oauth state cookie")
	}
	raw, err := j.state.Open(c.Value)
	if err != nil {
		return oauthState{}, errors.Wrap(err, "open oauth state")
	}
	var st oauthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return oauthState{}, errors.Wrap(err, "decode oauth state")
	}
	if age := now.Sub(time.Unix(st.IssuedAt, 0)); age < 0 || age > oauthStateMaxAge*time.Second {
		return oauthState{}, errors.Newf("oauth state issued %s ago", age.Round(time.Second))
	}
	return st, nil
}

func (j *cookieJar) clear(name string) http.Cookie {
	return j.cookie(name, "", -1)
}

func (j *cookieJar) cookie(name, value string, maxAge int) http.Cookie {
	return http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// caller resolves the authenticated actor and the credentials sent with the request.
func (j *cookieJar) caller(ctx context.Context) (engine.Caller, huma.StatusError) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return engine.Caller{}, authErr
	}
	req, _ := ctx.Value(requestKey{}).(*http.Request)
	return engine.Caller{ActorID: actorID, Credentials: j.read(req)}, nil
}
