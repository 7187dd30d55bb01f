package crmsync

import (
	"context"

	"github.com/crmsync/crmsync/pkg/graphql"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/store"
	"github.com/crmsync/crmsync/pkg/timeline"
	"github.com/crmsync/crmsync/pkg/transport"
)

// newMutators saves edited records with the update mutations. Records the
// server echoes back are loaded into their Store.
func newMutators(r transport.Requester) timeline.Mutators {
	return timeline.Mutators{
		Note: func(ctx context.Context, _ store.Operation, n models.Note) (*models.Note, error) {
			saved, err := graphql.UpdateNote(ctx, r, graphql.NoteUpdateInput{
				ID:          n.ID,
				Content:     n.Content,
				ContentType: n.ContentType,
			})
			if err != nil {
				return nil, err
			}
			return &saved, nil
		},
		Issue: func(ctx context.Context, _ store.Operation, i models.Issue) (*models.Issue, error) {
			saved, err := graphql.UpdateIssue(ctx, r, graphql.IssueUpdateInput{
				ID:          i.ID,
				Subject:     i.Subject,
				Description: i.Description,
				Status:      i.Status,
				Priority:    i.Priority,
			})
			if err != nil {
				return nil, err
			}
			return &saved, nil
		},
		Meeting: func(ctx context.Context, _ store.Operation, m models.Meeting) (*models.Meeting, error) {
			saved, err := graphql.UpdateMeeting(ctx, r, m.ID, graphql.MeetingUpdateInput{
				Name:      m.Name,
				Agenda:    m.Agenda,
				Status:    m.Status,
				StartedAt: m.StartedAt,
				EndedAt:   m.EndedAt,
			})
			if err != nil {
				return nil, err
			}
			return &saved, nil
		},
		LogEntry: func(ctx context.Context, _ store.Operation, l models.LogEntry) (*models.LogEntry, error) {
			_, err := graphql.UpdateLogEntry(ctx, r, l.ID, graphql.LogEntryUpdateInput{
				Content:     l.Content,
				ContentType: l.ContentType,
				StartedAt:   l.StartedAt,
			})
			return nil, err
		},
	}
}
