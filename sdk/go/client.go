package siftsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal tasksift HTTP API client. Board and classifier
// credentials are held by the server in cookies, so one Client is one session.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Workspace struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Projects []ProjectRef `json:"projects"`
}

type Connection struct {
	ID                string  `json:"id"`
	SourceProjectID   string  `json:"source_project_id"`
	SourceProjectName string  `json:"source_project_name"`
	DestProjectID     string  `json:"dest_project_id"`
	DestProjectName   string  `json:"dest_project_name"`
	LastPolledAt      *string `json:"last_polled_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

type Patterns struct {
	Themes              []string `json:"themes"`
	Keywords            []string `json:"keywords"`
	TaskCharacteristics []string `json:"taskCharacteristics"`
}

type Criteria struct {
	Summary             string   `json:"summary"`
	IncludePatterns     Patterns `json:"includePatterns"`
	ExcludePatterns     Patterns `json:"excludePatterns"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	LearnedRules        []string `json:"learnedRules"`
}

type Skill struct {
	ID           string   `json:"id"`
	ConnectionID string   `json:"connection_id"`
	Version      int      `json:"version"`
	Criteria     Criteria `json:"criteria"`
	CreatedAt    string   `json:"created_at"`
}

type Candidate struct {
	ID           string  `json:"id"`
	ConnectionID string  `json:"connection_id"`
	TaskGID      string  `json:"task_gid"`
	TaskName     string  `json:"task_name"`
	TaskNotes    *string `json:"task_notes,omitempty"`
	AIScore      float64 `json:"ai_score"`
	AIReasoning  string  `json:"ai_reasoning"`
	Status       string  `json:"status"`
	UserComment  *string `json:"user_comment,omitempty"`
	ReviewedAt   *string `json:"reviewed_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type Stats struct {
	Pending      int `json:"pending"`
	Moved        int `json:"moved"`
	Rejected     int `json:"rejected"`
	SkillVersion int `json:"skill_version"`
}

type ActiveState struct {
	Connection *Connection `json:"connection"`
	Skill      *Skill      `json:"skill"`
	Stats      Stats       `json:"stats"`
}

type Pairing struct {
	Connection Connection `json:"connection"`
	Skill      *Skill     `json:"skill,omitempty"`
}

type PollResult struct {
	ConnectionID  string `json:"connection_id"`
	NewCandidates int    `json:"new_candidates"`
	Recorded      int    `json:"recorded"`
	Evaluated     int    `json:"evaluated"`
	Unscored      int    `json:"unscored"`
	Discarded     int    `json:"discarded"`
	PolledAt      string `json:"polled_at"`
}

type ReviewResult struct {
	CandidateID     string `json:"candidate_id"`
	Status          string `json:"status"`
	SkillRefined    bool   `json:"skill_refined"`
	SkillVersion    int    `json:"skill_version,omitempty"`
	RefinementError string `json:"refinement_error,omitempty"`
}

type SkillView struct {
	Skill         Skill `json:"skill"`
	TotalVersions int   `json:"total_versions"`
}

type CredentialStatus struct {
	BoardConnected       bool   `json:"board_connected"`
	ClassifierConfigured bool   `json:"classifier_configured"`
	Provider             string `json:"provider,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development token for actorID and keeps it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) Credentials(ctx context.Context) (CredentialStatus, error) {
	var resp CredentialStatus
	err := c.do(ctx, http.MethodGet, "v0/credentials", nil, &resp)
	return resp, err
}

// ConnectBoard hands the board token to the server, which validates and seals it.
func (c *Client) ConnectBoard(ctx context.Context, token string) (CredentialStatus, error) {
	var resp CredentialStatus
	err := c.do(ctx, http.MethodPut, "v0/credentials/board", map[string]any{"token": token}, &resp)
	return resp, err
}

func (c *Client) DisconnectBoard(ctx context.Context) (CredentialStatus, error) {
	var resp CredentialStatus
	err := c.do(ctx, http.MethodDelete, "v0/credentials/board", nil, &resp)
	return resp, err
}

func (c *Client) ConfigureClassifier(ctx context.Context, provider, apiKey string) (CredentialStatus, error) {
	body := map[string]any{"provider": provider}
	if apiKey != "" {
		body["api_key"] = apiKey
	}
	var resp CredentialStatus
	err := c.do(ctx, http.MethodPut, "v0/credentials/classifier", body, &resp)
	return resp, err
}

func (c *Client) BoardProjects(ctx context.Context) ([]Workspace, error) {
	var resp struct {
		Items []Workspace `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/board/projects", nil, &resp)
	return resp.Items, err
}

// Connect pairs source and dest, replacing the caller's previous connection.
func (c *Client) Connect(ctx context.Context, source, dest ProjectRef) (Pairing, error) {
	var resp Pairing
	err := c.do(ctx, http.MethodPost, "v0/connections", map[string]any{"source": source, "dest": dest}, &resp)
	return resp, err
}

func (c *Client) Active(ctx context.Context) (ActiveState, error) {
	var resp ActiveState
	err := c.do(ctx, http.MethodGet, "v0/connections/active", nil, &resp)
	return resp, err
}

// Candidates lists a connection's candidates; status may be empty for all.
func (c *Client) Candidates(ctx context.Context, connectionID, status string) ([]Candidate, error) {
	endpoint := c.connectionPath(connectionID, "candidates")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp struct {
		Items []Candidate `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Poll(ctx context.Context, connectionID string) (PollResult, error) {
	var resp PollResult
	err := c.do(ctx, http.MethodPost, c.connectionPath(connectionID, "poll"), nil, &resp)
	return resp, err
}

func (c *Client) Skill(ctx context.Context, connectionID string) (SkillView, error) {
	var resp SkillView
	err := c.do(ctx, http.MethodGet, c.connectionPath(connectionID, "skill"), nil, &resp)
	return resp, err
}

func (c *Client) Skills(ctx context.Context, connectionID string) ([]Skill, error) {
	var resp struct {
		Items []Skill `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.connectionPath(connectionID, "skills"), nil, &resp)
	return resp.Items, err
}

func (c *Client) Bootstrap(ctx context.Context, connectionID string) (Skill, error) {
	var resp Skill
	err := c.do(ctx, http.MethodPost, c.connectionPath(connectionID, "bootstrap"), nil, &resp)
	return resp, err
}

// Review approves or rejects a pending candidate.
func (c *Client) Review(ctx context.Context, candidateID, action, comment string) (ReviewResult, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	var resp ReviewResult
	endpoint := fmt.Sprintf("v0/candidates/%s/review", url.PathEscape(candidateID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		jar, _ := cookiejar.New(nil)
		c.HTTPClient = &http.Client{Timeout: c.Timeout, Jar: jar}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) connectionPath(connectionID, p string) string {
	return fmt.Sprintf("v0/connections/%s/%s", url.PathEscape(connectionID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
