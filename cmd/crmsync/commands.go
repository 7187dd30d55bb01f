package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crmsync/crmsync"
	"github.com/crmsync/crmsync/pkg/models"
)

func timelineCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "timeline <organization-id>",
		Short: "Print the timeline of an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := a.newRoot(ctx)
			if err != nil {
				return err
			}
			defer root.Close(ctx)

			events, err := root.TimelineEvents(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			return printTimeline(out, events)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw records as JSON")
	return cmd
}

func printTimeline(w io.Writer, events []models.Entity) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tSUMMARY")
	for _, e := range events {
		ev, ok := e.(models.TimelineEvent)
		if !ok {
			continue
		}
		var s summarizer
		if err := models.Accept(ev, &s); err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.GetTypename(), e.GetID(), s.text)
	}
	return tw.Flush()
}

// summarizer picks a one-line description of each record type.
type summarizer struct {
	text string
}

func (s *summarizer) VisitNote(n models.Note) error   { s.text = n.Content; return nil }
func (s *summarizer) VisitIssue(i models.Issue) error { s.text = fmt.Sprintf("[%s] %s", i.Status, i.Subject); return nil }
func (s *summarizer) VisitAnalysis(a models.Analysis) error {
	s.text = a.Content
	return nil
}
func (s *summarizer) VisitMeeting(m models.Meeting) error   { s.text = m.Name; return nil }
func (s *summarizer) VisitPageView(p models.PageView) error { s.text = p.PageTitle; return nil }
func (s *summarizer) VisitLogEntry(l models.LogEntry) error { s.text = l.Content; return nil }
func (s *summarizer) VisitAction(a models.Action) error {
	s.text = fmt.Sprintf("%s %s", a.ActionType, a.Content)
	return nil
}
func (s *summarizer) VisitInteractionEvent(e models.InteractionEvent) error {
	s.text = fmt.Sprintf("%s: %s", e.Channel, e.Content)
	return nil
}
func (s *summarizer) VisitInteractionSession(e models.InteractionSession) error {
	s.text = e.Name
	return nil
}
func (s *summarizer) VisitOrder(o models.Order) error {
	switch {
	case o.CancelledAt != nil:
		s.text = "cancelled"
	case o.FulfilledAt != nil:
		s.text = "fulfilled"
	case o.PaidAt != nil:
		s.text = "paid"
	default:
		s.text = "confirmed"
	}
	return nil
}

func watchCommand(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to every record channel and report group sizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			root, err := a.newRoot(ctx)
			if err != nil {
				return err
			}
			defer root.Close(ctx)

			if err := root.Subscribe(ctx); err != nil {
				return err
			}
			a.logger.Info("watching", "channels", root.Groups.ChannelNames())

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					reportSizes(a, root)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "How often to report group sizes")
	return cmd
}

func reportSizes(a *app, root *crmsync.Root) {
	g := root.Groups
	a.logger.Info("group sizes",
		"notes", g.Notes.Len(),
		"orders", g.Orders.Len(),
		"issues", g.Issues.Len(),
		"actions", g.Actions.Len(),
		"analyses", g.Analyses.Len(),
		"meetings", g.Meetings.Len(),
		"page_views", g.PageViews.Len(),
		"log_entries", g.LogEntries.Len(),
		"interaction_events", g.InteractionEvents.Len(),
		"interaction_sessions", g.InteractionSessions.Len())
}

func organizationsCommand(a *app) *cobra.Command {
	var (
		page  int
		limit int
		name  string
	)

	cmd := &cobra.Command{
		Use:   "organizations",
		Short: "List organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			root, err := a.newRoot(ctx)
			if err != nil {
				return err
			}
			defer root.Close(ctx)

			var where *models.Filter
			if name != "" {
				f := models.Where("name", models.OperatorContains, name)
				where = &f
			}
			res, err := root.Organizations(ctx, models.Pagination{Page: page, Limit: limit}, where)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tWEBSITE")
			for _, org := range res.Content {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", org.ID, org.Name, org.Website)
			}
			fmt.Fprintf(tw, "\n%d of %d\n", len(res.Content), res.TotalElements)
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().StringVar(&name, "name", "", "Only organizations whose name contains this")
	return cmd
}
