package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksift/internal/config"
)

// newTokenEndpoint grants the token "pat" for the code "good" and refuses
// every other code.
func newTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "app-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "shh", r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"pat","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func withBoardOAuth(tokenURL string) func(*Config) {
	return func(c *Config) {
		c.BoardOAuth = config.BoardOAuth{ClientID: "app-1", ClientSecret: "shh", TokenURL: tokenURL}
	}
}

// authorize starts a grant and returns the state the board would echo back.
func (s *session) authorize() string {
	s.t.Helper()
	var out BoardAuthorizeResponse
	s.do(http.MethodGet, "/v0/credentials/board/authorize", nil, http.StatusOK, &out)
	u, err := url.Parse(out.AuthorizeURL)
	require.NoError(s.t, err)
	assert.Equal(s.t, "app.asana.com", u.Host)
	assert.Equal(s.t, s.srv.URL+"/v0/credentials/board/callback", u.Query().Get("redirect_uri"))
	state := u.Query().Get("state")
	require.NotEmpty(s.t, state)
	return state
}

func TestBoardOAuthFlow(t *testing.T) {
	tokens := newTokenEndpoint(t)
	srv := newTestServer(t, withBoardOAuth(tokens.URL))
	alice := srv.session(t).login("alice")
	callback := "/v0/credentials/board/callback"

	state := alice.authorize()
	alice.expectError(http.MethodGet, callback+"?code=good&state=forged", nil, http.StatusBadRequest, "invalid_state")
	// The rejected callback spent the state cookie.
	alice.expectError(http.MethodGet, callback+"?code=good&state="+state, nil, http.StatusBadRequest, "invalid_state")

	state = alice.authorize()
	alice.expectError(http.MethodGet, callback+"?error=access_denied&state="+state, nil, http.StatusBadRequest, "authorization_denied")

	state = alice.authorize()
	alice.expectError(http.MethodGet, callback+"?code=expired&state="+state, nil, http.StatusBadRequest, "bad_request")

	// A state issued to alice is useless in another browser.
	state = alice.authorize()
	mallory := srv.session(t).login("mallory")
	mallory.expectError(http.MethodGet, callback+"?code=good&state="+state, nil, http.StatusBadRequest, "invalid_state")

	// The board's redirect carries cookies but no bearer token.
	browser := *alice
	browser.token = ""
	var connected BoardConnectedResponse
	browser.do(http.MethodGet, callback+"?code=good&state="+state, nil, http.StatusOK, &connected)
	assert.Equal(t, "Alice", connected.User.Name)
	assert.True(t, connected.BoardConnected)

	var status CredentialStatusResponse
	alice.do(http.MethodGet, "/v0/credentials", nil, http.StatusOK, &status)
	assert.True(t, status.BoardConnected)
	var ws WorkspaceListResponse
	alice.do(http.MethodGet, "/v0/board/projects", nil, http.StatusOK, &ws)
	assert.Len(t, ws.Items, 1)
}

func TestBoardOAuthReturnURL(t *testing.T) {
	tokens := newTokenEndpoint(t)
	srv := newTestServer(t, func(c *Config) {
		withBoardOAuth(tokens.URL)(c)
		c.BoardOAuth.ReturnURL = "https://app.example/settings?tab=board"
	})
	alice := srv.session(t).login("alice")
	alice.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	state := alice.authorize()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/credentials/board/callback?code=expired&state="+state, nil)
	require.NoError(t, err)
	res, err := alice.client.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusFound, res.StatusCode)
	loc, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "board", loc.Query().Get("tab"))
	assert.Equal(t, "bad_request", loc.Query().Get("error"))

	state = alice.authorize()
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v0/credentials/board/callback?code=good&state="+state, nil)
	require.NoError(t, err)
	res, err = alice.client.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "https://app.example/settings?tab=board", res.Header.Get("Location"))

	var status CredentialStatusResponse
	alice.do(http.MethodGet, "/v0/credentials", nil, http.StatusOK, &status)
	assert.True(t, status.BoardConnected)
}

func TestBoardOAuthDisabled(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.session(t).login("alice")
	status, _ := alice.request(http.MethodGet, "/v0/credentials/board/authorize", nil)
	assert.Equal(t, http.StatusNotFound, status)

	_, err := New(Config{
		Auth:       AuthConfig{JWTSecret: testSecret},
		BoardOAuth: config.BoardOAuth{ClientID: "app-1"},
	})
	require.Error(t, err)
}

func TestOAuthStateCookieExpires(t *testing.T) {
	jar, err := newCookieJar([]byte(testSecret), false, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st, err := newOAuthState("alice", now)
	require.NoError(t, err)
	cookie, err := jar.sealState(st)
	require.NoError(t, err)
	assert.NotContains(t, cookie.Value, "alice")

	req := httptest.NewRequest(http.MethodGet, "/v0/credentials/board/callback", nil)
	req.AddCookie(&cookie)
	got, err := jar.openState(req, now.Add(9*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, st, got)

	_, err = jar.openState(req, now.Add(11*time.Minute))
	assert.Error(t, err)
	_, err = jar.openState(req, now.Add(-time.Minute))
	assert.Error(t, err)

	// A board cookie cannot stand in for a state cookie.
	board, err := jar.sealBoard("pat")
	require.NoError(t, err)
	board.Name = oauthStateCookie
	forged := httptest.NewRequest(http.MethodGet, "/v0/credentials/board/callback", nil)
	forged.AddCookie(&board)
	_, err = jar.openState(forged, now)
	assert.Error(t, err)
}
