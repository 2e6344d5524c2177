package asana

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"

	"tasksift/internal/credentials"
)

const (
	DefaultAuthURL  = "https://app.asana.com/-/oauth_authorize"
	DefaultTokenURL = "https://app.asana.com/-/oauth_token"
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret credentials.Secret
	AuthURL      string
	TokenURL     string
}

// OAuth runs Asana's authorization-code grant.
type OAuth struct {
	config     oauth2.Config
	HTTPClient *http.Client
}

func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	return &OAuth{config: oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret.Reveal(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}}
}

// AuthCodeURL is where the user grants access; Asana sends them back to
// redirectURL with the code and state.
func (o *OAuth) AuthCodeURL(state, redirectURL string) string {
	cfg := o.config
	cfg.RedirectURL = redirectURL
	return cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for an access token. A refusal from
// the token endpoint comes back as *APIError.
func (o *OAuth) Exchange(ctx context.Context, code, redirectURL string) (credentials.Secret, error) {
	cfg := o.config
	cfg.RedirectURL = redirectURL
	if o.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			msg := re.ErrorCode
			if msg == "" {
				msg = errorMessage(re.Response.Status, re.Body)
			}
			return "", &APIError{StatusCode: re.Response.StatusCode, Message: msg}
		}
		return "", errors.Wrap(err, "exchange authorization code")
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return "", errors.New("token endpoint returned no access token")
	}
	return credentials.Secret(tok.AccessToken), nil
}
