// Package asana is the task-board adapter: it lists projects and tasks and adds
// tasks to a destination project over the Asana REST API.
package asana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"tasksift/internal/credentials"
	"tasksift/internal/domain"
)

const (
	DefaultBaseURL = "https://app.asana.com/api/1.0"
	taskFields     = "name,notes,completed,tags,tags.name,assignee,assignee.name,created_at"
	projectFields  = "name,workspace,workspace.name"
)

// Client is a minimal Asana API client.
type Client struct {
	BaseURL    string
	Token      credentials.Secret
	HTTPClient *http.Client
	Timeout    time.Duration
	PageSize   int
}

// New creates a client with sane defaults.
func New(baseURL string, token credentials.Secret) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		Timeout:  30 * time.Second,
		PageSize: 100,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("asana api error: status=%d %s", e.StatusCode, e.Message)
}

type ref struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type task struct {
	GID       string `json:"gid"`
	Name      string `json:"name"`
	Notes     string `json:"notes"`
	Completed bool   `json:"completed"`
	Tags      []ref  `json:"tags"`
	Assignee  *ref   `json:"assignee"`
	CreatedAt string `json:"created_at"`
}

func (t task) toDomain() domain.SourceTask {
	out := domain.SourceTask{
		ID:        t.GID,
		Name:      t.Name,
		Notes:     t.Notes,
		Completed: t.Completed,
		CreatedAt: t.CreatedAt,
	}
	for _, tag := range t.Tags {
		if tag.Name != "" {
			out.Tags = append(out.Tags, tag.Name)
		}
	}
	if t.Assignee != nil {
		out.Assignee = t.Assignee.Name
	}
	return out
}

type nextPage struct {
	Offset string `json:"offset"`
}

type envelope[T any] struct {
	Data     T         `json:"data"`
	NextPage *nextPage `json:"next_page"`
}

type user struct {
	GID   string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Me returns the authenticated user, which doubles as a token check.
func (c *Client) Me(ctx context.Context) (domain.BoardUser, error) {
	var resp envelope[user]
	if err := c.do(ctx, http.MethodGet, "users/me", nil, &resp); err != nil {
		return domain.BoardUser{}, err
	}
	return domain.BoardUser{ID: resp.Data.GID, Name: resp.Data.Name, Email: resp.Data.Email}, nil
}

// ListIncompleteTasks returns every incomplete task in a project, following pagination.
func (c *Client) ListIncompleteTasks(ctx context.Context, projectID string) ([]domain.SourceTask, error) {
	q := url.Values{}
	q.Set("opt_fields", taskFields)
	pages, err := paginate[task](ctx, c, fmt.Sprintf("projects/%s/tasks", url.PathEscape(projectID)), q)
	if err != nil {
		return nil, err
	}
	var out []domain.SourceTask
	for _, t := range pages {
		if t.Completed {
			continue
		}
		out = append(out, t.toDomain())
	}
	return out, nil
}

// MoveTask adds a task to the destination project.
func (c *Client) MoveTask(ctx context.Context, taskID, projectID string) error {
	body := map[string]any{"data": map[string]string{"project": projectID}}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/addProject", url.PathEscape(taskID)), body, nil)
}

// ListProjects lists projects grouped by workspace, fetching workspaces concurrently.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Workspace, error) {
	workspaces, err := paginate[ref](ctx, c, "workspaces", url.Values{})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Workspace, len(workspaces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ws := range workspaces {
		g.Go(func() error {
			q := url.Values{}
			q.Set("workspace", ws.GID)
			q.Set("opt_fields", projectFields)
			projects, err := paginate[ref](gctx, c, "projects", q)
			if err != nil {
				return errors.Wrapf(err, "projects of workspace %s", ws.GID)
			}
			item := domain.Workspace{ID: ws.GID, Name: ws.Name, Projects: make([]domain.ProjectRef, 0, len(projects))}
			for _, p := range projects {
				item.Projects = append(item.Projects, domain.ProjectRef{ID: p.GID, Name: p.Name})
			}
			out[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// paginate walks next_page offsets until the listing is exhausted.
func paginate[T any](ctx context.Context, c *Client, endpoint string, q url.Values) ([]T, error) {
	if c.PageSize > 0 {
		q.Set("limit", fmt.Sprint(c.PageSize))
	}
	var all []T
	for {
		var page envelope[[]T]
		if err := c.do(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if page.NextPage == nil || page.NextPage.Offset == "" {
			return all, nil
		}
		q.Set("offset", page.NextPage.Offset)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token.Reveal())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Status, b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func errorMessage(status string, body []byte) string {
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Errors) > 0 {
		msgs := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			msgs = append(msgs, e.Message)
		}
		return strings.Join(msgs, "; ")
	}
	return status
}
