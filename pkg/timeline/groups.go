package timeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/store"
)

// LogEntryChannel is the channel the LogEntry group listens on. The backend
// publishes log entry changes on the Actions channel, not on one of their own.
const LogEntryChannel = "Actions"

// Mutators holds the save function per record type. Types without one get
// read-only stores.
type Mutators struct {
	Note     store.Mutator[models.Note]
	Issue    store.Mutator[models.Issue]
	Meeting  store.Mutator[models.Meeting]
	LogEntry store.Mutator[models.LogEntry]
}

// Groups holds one Group per timeline record type.
type Groups struct {
	Notes               *store.Group[models.Note, *models.Note]
	Orders              *store.Group[models.Order, *models.Order]
	Issues              *store.Group[models.Issue, *models.Issue]
	Actions             *store.Group[models.Action, *models.Action]
	Analyses            *store.Group[models.Analysis, *models.Analysis]
	Meetings            *store.Group[models.Meeting, *models.Meeting]
	PageViews           *store.Group[models.PageView, *models.PageView]
	LogEntries          *store.Group[models.LogEntry, *models.LogEntry]
	InteractionEvents   *store.Group[models.InteractionEvent, *models.InteractionEvent]
	InteractionSessions *store.Group[models.InteractionSession, *models.InteractionSession]
}

// NewGroups builds the ten groups with opts applied to each.
func NewGroups(m Mutators, opts ...store.Option) *Groups {
	logEntryOpts := append(append([]store.Option(nil), opts...), store.WithChannelName(LogEntryChannel))

	return &Groups{
		Notes:               store.NewGroup[models.Note](m.Note, opts...),
		Orders:              store.NewGroup[models.Order](nil, opts...),
		Issues:              store.NewGroup[models.Issue](m.Issue, opts...),
		Actions:             store.NewGroup[models.Action](nil, opts...),
		Analyses:            store.NewGroup[models.Analysis](nil, opts...),
		Meetings:            store.NewGroup[models.Meeting](m.Meeting, opts...),
		PageViews:           store.NewGroup[models.PageView](nil, opts...),
		LogEntries:          store.NewGroup[models.LogEntry](m.LogEntry, logEntryOpts...),
		InteractionEvents:   store.NewGroup[models.InteractionEvent](nil, opts...),
		InteractionSessions: store.NewGroup[models.InteractionSession](nil, opts...),
	}
}

type subscriber interface {
	Subscribe(ctx context.Context) error
	Close() error
	ChannelName() string
}

func (g *Groups) all() []subscriber {
	return []subscriber{
		g.Notes, g.Orders, g.Issues, g.Actions, g.Analyses,
		g.Meetings, g.PageViews, g.LogEntries, g.InteractionEvents, g.InteractionSessions,
	}
}

// ChannelNames lists the channel each group subscribes to, in field order.
func (g *Groups) ChannelNames() []string {
	all := g.all()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.ChannelName())
	}
	return names
}

// Subscribe subscribes every group. It stops at the first failure.
func (g *Groups) Subscribe(ctx context.Context) error {
	for _, s := range g.all() {
		if err := s.Subscribe(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every group and joins their errors.
func (g *Groups) Close() error {
	var errs []error
	for _, s := range g.all() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatcher loads the payload being visited into the group of its type and
// collects the resulting stores in visit order. The typed value only selects
// the group: the raw payload is what gets merged, so fields the server sent
// as empty or null are applied too.
type dispatcher struct {
	groups *Groups
	raw    json.RawMessage
	refs   []store.Handle
}

func collect[T any, P models.EntityPtr[T]](d *dispatcher, g *store.Group[T, P]) error {
	stores, err := g.LoadRaw(d.raw)
	for _, st := range stores {
		d.refs = append(d.refs, st)
	}
	return err
}

func (d *dispatcher) VisitNote(models.Note) error {
	return collect(d, d.groups.Notes)
}

func (d *dispatcher) VisitOrder(models.Order) error {
	return collect(d, d.groups.Orders)
}

func (d *dispatcher) VisitIssue(models.Issue) error {
	return collect(d, d.groups.Issues)
}

func (d *dispatcher) VisitAction(models.Action) error {
	return collect(d, d.groups.Actions)
}

func (d *dispatcher) VisitAnalysis(models.Analysis) error {
	return collect(d, d.groups.Analyses)
}

func (d *dispatcher) VisitMeeting(models.Meeting) error {
	return collect(d, d.groups.Meetings)
}

func (d *dispatcher) VisitPageView(models.PageView) error {
	return collect(d, d.groups.PageViews)
}

func (d *dispatcher) VisitLogEntry(models.LogEntry) error {
	return collect(d, d.groups.LogEntries)
}

func (d *dispatcher) VisitInteractionEvent(models.InteractionEvent) error {
	return collect(d, d.groups.InteractionEvents)
}

func (d *dispatcher) VisitInteractionSession(models.InteractionSession) error {
	return collect(d, d.groups.InteractionSessions)
}
