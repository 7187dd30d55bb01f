package graphql

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/transport"
)

const sourceFields = `createdAt source sourceOfTruth appSource`

const timelineEventFields = `
      __typename
      ... on Note { id content contentType updatedAt ` + sourceFields + ` createdBy { id firstName lastName } }
      ... on Order { id confirmedAt paidAt fulfilledAt cancelledAt ` + sourceFields + ` }
      ... on Issue { id subject description status priority updatedAt ` + sourceFields + ` tags { id name } }
      ... on Action { id actionType content metadata ` + sourceFields + ` actor { id firstName lastName } }
      ... on Analysis { id analysisType content contentType describes ` + sourceFields + ` }
      ... on Meeting { id name agenda status startedAt endedAt conferenceUrl externalSystemId ` + sourceFields + `
        attendedBy { type actor { id firstName lastName email } } }
      ... on PageView { id application pageTitle pageUrl sessionId orderInSession engagedTime startedAt endedAt ` + sourceFields + ` }
      ... on LogEntry { id content contentType startedAt updatedAt ` + sourceFields + ` tags { id name } createdBy { id firstName lastName } }
      ... on InteractionEvent { id channel channelData content contentType eventType sessionId ` + sourceFields + ` }
      ... on InteractionSession { id name status type channel startedAt endedAt ` + sourceFields + ` }`

// TimelineQuery fetches the heterogeneous timeline of one organization.
var TimelineQuery = transport.Document{
	OperationName: "GetTimeline",
	Query: `query GetTimeline($organizationId: ID!, $from: Time!, $size: Int!) {
  organization(id: $organizationId) {
    timelineEvents(from: $from, size: $size) {` + timelineEventFields + `
    }
  }
}`,
}

type TimelineVariables struct {
	OrganizationID string    `json:"organizationId"`
	From           time.Time `json:"from"`
	Size           int       `json:"size"`
}

// TimelineResult keeps events raw; callers dispatch them by __typename.
type TimelineResult struct {
	Organization struct {
		TimelineEvents []json.RawMessage `json:"timelineEvents"`
	} `json:"organization"`
}

func GetTimeline(ctx context.Context, r transport.Requester, vars TimelineVariables) ([]json.RawMessage, error) {
	var res TimelineResult
	if err := r.Request(ctx, TimelineQuery, vars, &res); err != nil {
		return nil, err
	}
	return res.Organization.TimelineEvents, nil
}

// OrganizationsQuery lists organizations with pagination and a filter tree.
var OrganizationsQuery = transport.Document{
	OperationName: "GetOrganizations",
	Query: `query GetOrganizations($pagination: Pagination!, $where: Filter) {
  dashboardView_Organizations(pagination: $pagination, where: $where) {
    content { id name website industry ` + sourceFields + ` }
    totalElements
  }
}`,
}

type OrganizationsVariables struct {
	Pagination models.Pagination `json:"pagination"`
	Where      *models.Filter    `json:"where,omitempty"`
}

type Organization struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Website  string `json:"website,omitempty"`
	Industry string `json:"industry,omitempty"`
	models.Source
}

type OrganizationsPage struct {
	Content       []Organization `json:"content"`
	TotalElements int            `json:"totalElements"`
}

func GetOrganizations(ctx context.Context, r transport.Requester, vars OrganizationsVariables) (*OrganizationsPage, error) {
	if vars.Where != nil {
		if err := vars.Where.Validate(); err != nil {
			return nil, err
		}
	}
	var res struct {
		Page OrganizationsPage `json:"dashboardView_Organizations"`
	}
	if err := r.Request(ctx, OrganizationsQuery, vars, &res); err != nil {
		return nil, err
	}
	return &res.Page, nil
}

var NoteUpdate = transport.Document{
	OperationName: "UpdateNote",
	Mutation:      true,
	Query: `mutation UpdateNote($input: NoteUpdateInput!) {
  note_Update(input: $input) { __typename id content contentType updatedAt ` + sourceFields + ` }
}`,
}

type NoteUpdateInput struct {
	ID          string `json:"id"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func UpdateNote(ctx context.Context, r transport.Requester, input NoteUpdateInput) (models.Note, error) {
	var res struct {
		Note models.Note `json:"note_Update"`
	}
	err := r.Request(ctx, NoteUpdate, map[string]any{"input": input}, &res)
	return res.Note, err
}

var IssueUpdate = transport.Document{
	OperationName: "UpdateIssue",
	Mutation:      true,
	Query: `mutation UpdateIssue($input: IssueUpdateInput!) {
  issue_Update(input: $input) { __typename id subject description status priority updatedAt ` + sourceFields + ` }
}`,
}

type IssueUpdateInput struct {
	ID          string             `json:"id"`
	Subject     string             `json:"subject,omitempty"`
	Description string             `json:"description,omitempty"`
	Status      models.IssueStatus `json:"status,omitempty"`
	Priority    string             `json:"priority,omitempty"`
}

func UpdateIssue(ctx context.Context, r transport.Requester, input IssueUpdateInput) (models.Issue, error) {
	var res struct {
		Issue models.Issue `json:"issue_Update"`
	}
	err := r.Request(ctx, IssueUpdate, map[string]any{"input": input}, &res)
	return res.Issue, err
}

var MeetingUpdate = transport.Document{
	OperationName: "UpdateMeeting",
	Mutation:      true,
	Query: `mutation UpdateMeeting($meetingId: ID!, $meeting: MeetingUpdateInput!) {
  meeting_Update(meetingId: $meetingId, meeting: $meeting) { __typename id name agenda status startedAt endedAt ` + sourceFields + ` }
}`,
}

type MeetingUpdateInput struct {
	Name      string               `json:"name,omitempty"`
	Agenda    string               `json:"agenda,omitempty"`
	Status    models.MeetingStatus `json:"status,omitempty"`
	StartedAt *time.Time           `json:"startedAt,omitempty"`
	EndedAt   *time.Time           `json:"endedAt,omitempty"`
}

func UpdateMeeting(ctx context.Context, r transport.Requester, id string, input MeetingUpdateInput) (models.Meeting, error) {
	var res struct {
		Meeting models.Meeting `json:"meeting_Update"`
	}
	err := r.Request(ctx, MeetingUpdate, map[string]any{"meetingId": id, "meeting": input}, &res)
	return res.Meeting, err
}

var LogEntryUpdate = transport.Document{
	OperationName: "UpdateLogEntry",
	Mutation:      true,
	Query: `mutation UpdateLogEntry($id: ID!, $input: LogEntryUpdateInput!) {
  logEntry_Update(id: $id, input: $input)
}`,
}

type LogEntryUpdateInput struct {
	Content     string     `json:"content,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
}

// UpdateLogEntry returns only the id; the server does not echo the entry back.
func UpdateLogEntry(ctx context.Context, r transport.Requester, id string, input LogEntryUpdateInput) (string, error) {
	var res struct {
		ID string `json:"logEntry_Update"`
	}
	err := r.Request(ctx, LogEntryUpdate, map[string]any{"id": id, "input": input}, &res)
	return res.ID, err
}
