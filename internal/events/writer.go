package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	ConnectionReplaced = "connection.replaced"
	SkillCreated       = "skill.created"
	SkillRefined       = "skill.refined"
	CandidatesRecorded = "candidates.recorded"
	CandidateReviewed  = "candidate.reviewed"
	PollCompleted      = "poll.completed"
	RefinementFailed   = "refinement.failed"
)

// Writer emits domain events as structured audit records.
type Writer struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	attrs := []slog.Attr{
		slog.String("type", evtType),
		slog.String("ts", now().UTC().Format(time.RFC3339Nano)),
		slog.String("entity_kind", entityKind),
		slog.String("actor_id", actorID),
	}
	if entityID != "" {
		attrs = append(attrs, slog.String("entity_id", entityID))
	}
	if len(payload) > 0 {
		group := make([]any, 0, len(payload)*2)
		for k, v := range payload {
			group = append(group, k, v)
		}
		attrs = append(attrs, slog.Group("payload", group...))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "event", attrs...)
}
