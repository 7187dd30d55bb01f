package models

import (
	"encoding/json"
	"fmt"

	"github.com/crmsync/crmsync/pkg/constants"
)

// TimelineEvent is one of the ten record types that can appear on an
// organization timeline.
type TimelineEvent interface {
	Entity
	isTimelineEvent()
}

func (Note) isTimelineEvent()               {}
func (Order) isTimelineEvent()              {}
func (Issue) isTimelineEvent()              {}
func (Action) isTimelineEvent()             {}
func (Analysis) isTimelineEvent()           {}
func (Meeting) isTimelineEvent()            {}
func (PageView) isTimelineEvent()           {}
func (LogEntry) isTimelineEvent()           {}
func (InteractionEvent) isTimelineEvent()   {}
func (InteractionSession) isTimelineEvent() {}

// TimelineVisitor handles every timeline variant.
type TimelineVisitor interface {
	VisitNote(Note) error
	VisitOrder(Order) error
	VisitIssue(Issue) error
	VisitAction(Action) error
	VisitAnalysis(Analysis) error
	VisitMeeting(Meeting) error
	VisitPageView(PageView) error
	VisitLogEntry(LogEntry) error
	VisitInteractionEvent(InteractionEvent) error
	VisitInteractionSession(InteractionSession) error
}

// Accept calls the visitor method matching the event's variant. Pointers
// to records are accepted too.
func Accept(ev TimelineEvent, v TimelineVisitor) error {
	switch e := ev.(type) {
	case Note:
		return v.VisitNote(e)
	case *Note:
		return v.VisitNote(*e)
	case Order:
		return v.VisitOrder(e)
	case *Order:
		return v.VisitOrder(*e)
	case Issue:
		return v.VisitIssue(e)
	case *Issue:
		return v.VisitIssue(*e)
	case Action:
		return v.VisitAction(e)
	case *Action:
		return v.VisitAction(*e)
	case Analysis:
		return v.VisitAnalysis(e)
	case *Analysis:
		return v.VisitAnalysis(*e)
	case Meeting:
		return v.VisitMeeting(e)
	case *Meeting:
		return v.VisitMeeting(*e)
	case PageView:
		return v.VisitPageView(e)
	case *PageView:
		return v.VisitPageView(*e)
	case LogEntry:
		return v.VisitLogEntry(e)
	case *LogEntry:
		return v.VisitLogEntry(*e)
	case InteractionEvent:
		return v.VisitInteractionEvent(e)
	case *InteractionEvent:
		return v.VisitInteractionEvent(*e)
	case InteractionSession:
		return v.VisitInteractionSession(e)
	case *InteractionSession:
		return v.VisitInteractionSession(*e)
	}
	// TimelineEvent is sealed, so only a nil event reaches here.
	return fmt.Errorf("%w: %T", constants.ErrUnknownTypename, ev)
}

type typenameHeader struct {
	Typename Typename `json:"__typename"`
}

// PeekTypename reads only the discriminant of a raw payload.
func PeekTypename(raw json.RawMessage) (Typename, error) {
	var head typenameHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("reading __typename: %w", err)
	}
	if head.Typename == "" {
		return "", constants.ErrMissingTypename
	}
	return head.Typename, nil
}

// DecodeTimelineEvent decodes a heterogeneous timeline payload into its
// variant. Unrecognized discriminants return constants.ErrUnknownTypename.
func DecodeTimelineEvent(raw json.RawMessage) (TimelineEvent, error) {
	typename, err := PeekTypename(raw)
	if err != nil {
		return nil, err
	}

	switch typename {
	case TypenameNote:
		return decodeAs[Note](raw)
	case TypenameOrder:
		return decodeAs[Order](raw)
	case TypenameIssue:
		return decodeAs[Issue](raw)
	case TypenameAction:
		return decodeAs[Action](raw)
	case TypenameAnalysis:
		return decodeAs[Analysis](raw)
	case TypenameMeeting:
		return decodeAs[Meeting](raw)
	case TypenamePageView:
		return decodeAs[PageView](raw)
	case TypenameLogEntry:
		return decodeAs[LogEntry](raw)
	case TypenameInteractionEvent:
		return decodeAs[InteractionEvent](raw)
	case TypenameInteractionSession:
		return decodeAs[InteractionSession](raw)
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownTypename, typename)
	}
}

func decodeAs[T TimelineEvent](raw json.RawMessage) (TimelineEvent, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", v.GetTypename(), err)
	}
	return v, nil
}
