package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"tasksift/internal/asana"
	"tasksift/internal/classify"
	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/domain"
	"tasksift/internal/engine/auth"
	"tasksift/internal/events"
	"tasksift/internal/repo"
)

// TaskSource is the task board as seen by the learning loop.
type TaskSource interface {
	Me(ctx context.Context) (domain.BoardUser, error)
	ListIncompleteTasks(ctx context.Context, projectID string) ([]domain.SourceTask, error)
	MoveTask(ctx context.Context, taskID, projectID string) error
	ListProjects(ctx context.Context) ([]domain.Workspace, error)
}

type SourceFactory func(token credentials.Secret) TaskSource

type CompleterFactory func(ctx context.Context, cred credentials.Classifier) (classify.Completer, error)

// Caller identifies who invokes an operation and which credentials they hold.
type Caller struct {
	ActorID     string
	Credentials credentials.Provider
}

type Engine struct {
	Repo         repo.Repo
	Auth         auth.Service
	Events       events.Writer
	Config       *config.Config
	Logger       *slog.Logger
	Now          func() time.Time
	NewSource    SourceFactory
	NewCompleter CompleterFactory
	locks        *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Events: events.Writer{Logger: logger.With("component", "audit")},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
		NewSource: func(token credentials.Secret) TaskSource {
			c := asana.New(cfg.Board.BaseURL, token)
			c.Timeout = cfg.Board.Timeout
			c.PageSize = cfg.Board.PageSize
			return c
		},
		NewCompleter: func(ctx context.Context, cred credentials.Classifier) (classify.Completer, error) {
			return classify.NewCompleter(ctx, cred, classify.BackendOptions{
				Model:     cfg.Classifier.Model,
				BaseURL:   cfg.Classifier.BaseURL,
				MaxTokens: cfg.Classifier.MaxTokens,
				AWSRegion: cfg.Classifier.AWSRegion,
				Logger:    logger,
			})
		},
		locks: newKeyedMutex(),
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return domain.FormatTime(e.Now())
	}
	return domain.FormatTime(time.Now())
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) skillConfig() config.SkillConfig {
	if e.Config == nil {
		return config.Default().Skill
	}
	return e.Config.Skill
}

// lock serializes poll, review and bootstrap for one connection within this process.
func (e Engine) lock(key string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(key)
}

func (e Engine) source(c Caller) (TaskSource, error) {
	if c.Credentials == nil {
		return nil, ErrNotConnected
	}
	token, ok := c.Credentials.BoardToken()
	if !ok {
		return nil, ErrNotConnected
	}
	if e.NewSource == nil {
		return nil, errors.New("engine has no task source factory")
	}
	return e.NewSource(token), nil
}

func (e Engine) classifier(ctx context.Context, c Caller) (*classify.Classifier, error) {
	if c.Credentials == nil {
		return nil, ErrNotConfigured
	}
	cred, ok := c.Credentials.Classifier()
	if !ok {
		return nil, ErrNotConfigured
	}
	if e.NewCompleter == nil {
		return nil, errors.New("engine has no classifier factory")
	}
	completer, err := e.NewCompleter(ctx, cred)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "classifier %s", cred.Provider), ErrNotConfigured)
	}
	return classify.New(completer, e.skillConfig()), nil
}

// prepare checks identity and both credentials, in that order.
func (e Engine) prepare(ctx context.Context, c Caller) (TaskSource, *classify.Classifier, error) {
	if err := auth.RequireActor(c.ActorID); err != nil {
		return nil, nil, err
	}
	src, err := e.source(c)
	if err != nil {
		return nil, nil, err
	}
	cls, err := e.classifier(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return src, cls, nil
}

func boardErr(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrBoard)
}

// ListBoardProjects lists the caller's board projects grouped by workspace.
func (e Engine) ListBoardProjects(ctx context.Context, c Caller) ([]domain.Workspace, error) {
	if err := auth.RequireActor(c.ActorID); err != nil {
		return nil, err
	}
	src, err := e.source(c)
	if err != nil {
		return nil, err
	}
	ws, err := src.ListProjects(ctx)
	if err != nil {
		return nil, boardErr(err, "list projects")
	}
	return ws, nil
}

// ActiveState describes the actor's current connection, if any.
type ActiveState struct {
	Connection *domain.Connection    `json:"connection"`
	Skill      *domain.Skill         `json:"skill"`
	Stats      domain.CandidateStats `json:"stats"`
}

func (e Engine) ActiveState(ctx context.Context, c Caller) (ActiveState, error) {
	if err := auth.RequireActor(c.ActorID); err != nil {
		return ActiveState{}, err
	}
	conn, err := e.Repo.ActiveConnection(ctx, c.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return ActiveState{}, nil
	}
	if err != nil {
		return ActiveState{}, store(err, "active connection")
	}
	state := ActiveState{Connection: &conn}
	skill, err := e.Repo.LatestSkill(ctx, conn.ID)
	switch {
	case err == nil:
		state.Skill = &skill
		state.Stats.SkillVersion = skill.Version
	case !errors.Is(err, repo.ErrNotFound):
		return ActiveState{}, store(err, "latest skill")
	}
	counts, err := e.Repo.CountByStatus(ctx, conn.ID)
	if err != nil {
		return ActiveState{}, store(err, "candidate stats")
	}
	// An approval whose board move is in flight still awaits its outcome.
	state.Stats.Pending = counts[domain.StatusPending] + counts[domain.StatusApproved]
	state.Stats.Moved = counts[domain.StatusMoved]
	state.Stats.Rejected = counts[domain.StatusRejected]
	return state, nil
}

// ListCandidates returns a connection's candidates, newest first. An empty
// status or "all" disables the filter.
func (e Engine) ListCandidates(ctx context.Context, c Caller, connectionID, status string) ([]domain.Candidate, error) {
	conn, err := e.Auth.OwnedConnection(ctx, c.ActorID, connectionID)
	if err != nil {
		return nil, store(err, "connection %s", connectionID)
	}
	f := repo.CandidateFilters{ConnectionID: conn.ID, Limit: e.skillConfig().CandidateListLimit}
	if status != "" && status != "all" {
		st := domain.CandidateStatus(status)
		if !st.Valid() {
			return nil, invalid("unknown candidate status %q", status)
		}
		f.Status = st
	}
	items, err := e.Repo.ListCandidates(ctx, f)
	if err != nil {
		return nil, store(err, "list candidates")
	}
	return items, nil
}

// SkillView is the current skill with the number of versions minted so far.
type SkillView struct {
	Skill         domain.Skill `json:"skill"`
	TotalVersions int          `json:"total_versions"`
}

func (e Engine) GetSkill(ctx context.Context, c Caller, connectionID string) (SkillView, error) {
	conn, err := e.Auth.OwnedConnection(ctx, c.ActorID, connectionID)
	if err != nil {
		return SkillView{}, store(err, "connection %s", connectionID)
	}
	skill, err := e.Repo.LatestSkill(ctx, conn.ID)
	if err != nil {
		return SkillView{}, store(err, "skill of connection %s", conn.ID)
	}
	total, err := e.Repo.CountSkills(ctx, conn.ID)
	if err != nil {
		return SkillView{}, store(err, "count skills")
	}
	return SkillView{Skill: skill, TotalVersions: total}, nil
}

// ListSkills returns every skill version, newest first.
func (e Engine) ListSkills(ctx context.Context, c Caller, connectionID string) ([]domain.Skill, error) {
	conn, err := e.Auth.OwnedConnection(ctx, c.ActorID, connectionID)
	if err != nil {
		return nil, store(err, "connection %s", connectionID)
	}
	skills, err := e.Repo.ListSkills(ctx, conn.ID)
	if err != nil {
		return nil, store(err, "list skills")
	}
	return skills, nil
}
