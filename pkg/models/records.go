package models

import "time"

type Note struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Content     string     `json:"content,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	CreatedBy   *Actor     `json:"createdBy,omitempty"`
}

type Order struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

type IssueStatus string

const (
	IssueStatusNew     IssueStatus = "new"
	IssueStatusOpen    IssueStatus = "open"
	IssueStatusPending IssueStatus = "pending"
	IssueStatusSolved  IssueStatus = "solved"
	IssueStatusClosed  IssueStatus = "closed"
)

type Issue struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Subject     string      `json:"subject,omitempty"`
	Description string      `json:"description,omitempty"`
	Status      IssueStatus `json:"status,omitempty"`
	Priority    string      `json:"priority,omitempty"`
	UpdatedAt   *time.Time  `json:"updatedAt,omitempty"`
	Tags        []Tag       `json:"tags,omitempty"`
	SubmittedBy *Actor      `json:"submittedBy,omitempty"`
}

type ActionType string

const (
	ActionTypeCreated                      ActionType = "CREATED"
	ActionTypeRenewalLikelihoodUpdated     ActionType = "RENEWAL_LIKELIHOOD_UPDATED"
	ActionTypeRenewalForecastUpdated       ActionType = "RENEWAL_FORECAST_UPDATED"
	ActionTypeContractStatusUpdated        ActionType = "CONTRACT_STATUS_UPDATED"
	ActionTypeServiceLineItemPriceUpdated  ActionType = "SERVICE_LINE_ITEM_PRICE_UPDATED"
	ActionTypeServiceLineItemBilledUpdated ActionType = "SERVICE_LINE_ITEM_BILLED_TYPE_UPDATED"
	ActionTypeInvoiceIssued                ActionType = "INVOICE_ISSUED"
	ActionTypeInvoicePaid                  ActionType = "INVOICE_PAID"
	ActionTypeInvoiceVoided                ActionType = "INVOICE_VOIDED"
)

type Action struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	ActionType ActionType `json:"actionType,omitempty"`
	Content    string     `json:"content,omitempty"`
	Metadata   string     `json:"metadata,omitempty"`
	Actor      *Actor     `json:"actor,omitempty"`
}

type Analysis struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	AnalysisType string `json:"analysisType,omitempty"`
	Content      string `json:"content,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	Describes    string `json:"describes,omitempty"`
}

type MeetingStatus string

const (
	MeetingStatusUndefined MeetingStatus = "UNDEFINED"
	MeetingStatusAccepted  MeetingStatus = "ACCEPTED"
	MeetingStatusCanceled  MeetingStatus = "CANCELED"
)

type Meeting struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Name             string        `json:"name,omitempty"`
	Agenda           string        `json:"agenda,omitempty"`
	Status           MeetingStatus `json:"status,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	EndedAt          *time.Time    `json:"endedAt,omitempty"`
	ConferenceURL    string        `json:"conferenceUrl,omitempty"`
	AttendedBy       []Participant `json:"attendedBy,omitempty"`
	ExternalSystemID string        `json:"externalSystemId,omitempty"`
}

type PageView struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Application    string     `json:"application,omitempty"`
	PageTitle      string     `json:"pageTitle,omitempty"`
	PageURL        string     `json:"pageUrl,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	OrderInSession int64      `json:"orderInSession,omitempty"`
	EngagedTime    int64      `json:"engagedTime,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

type LogEntry struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Content     string     `json:"content,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	Tags        []Tag      `json:"tags,omitempty"`
	CreatedBy   *Actor     `json:"createdBy,omitempty"`
}

type InteractionEvent struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Channel     string        `json:"channel,omitempty"`
	ChannelData string        `json:"channelData,omitempty"`
	Content     string        `json:"content,omitempty"`
	ContentType string        `json:"contentType,omitempty"`
	EventType   string        `json:"eventType,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
	SentBy      []Participant `json:"sentBy,omitempty"`
	SentTo      []Participant `json:"sentTo,omitempty"`
}

type InteractionSession struct {
	ID       string   `json:"id"`
	Typename Typename `json:"__typename,omitempty"`
	Source
	Name      string     `json:"name,omitempty"`
	Status    string     `json:"status,omitempty"`
	Type      string     `json:"type,omitempty"`
	Channel   string     `json:"channel,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

func (n Note) GetID() string               { return n.ID }
func (Note) GetTypename() Typename         { return TypenameNote }
func (n *Note) SetID(id string)            { n.ID = id }
func (n *Note) stamp()                     { n.Typename = TypenameNote }
func (o Order) GetID() string              { return o.ID }
func (Order) GetTypename() Typename        { return TypenameOrder }
func (o *Order) SetID(id string)           { o.ID = id }
func (o *Order) stamp()                    { o.Typename = TypenameOrder }
func (i Issue) GetID() string              { return i.ID }
func (Issue) GetTypename() Typename        { return TypenameIssue }
func (i *Issue) SetID(id string)           { i.ID = id }
func (i *Issue) stamp()                    { i.Typename = TypenameIssue }
func (a Action) GetID() string             { return a.ID }
func (Action) GetTypename() Typename       { return TypenameAction }
func (a *Action) SetID(id string)          { a.ID = id }
func (a *Action) stamp()                   { a.Typename = TypenameAction }
func (a Analysis) GetID() string           { return a.ID }
func (Analysis) GetTypename() Typename     { return TypenameAnalysis }
func (a *Analysis) SetID(id string)        { a.ID = id }
func (a *Analysis) stamp()                 { a.Typename = TypenameAnalysis }
func (m Meeting) GetID() string            { return m.ID }
func (Meeting) GetTypename() Typename      { return TypenameMeeting }
func (m *Meeting) SetID(id string)         { m.ID = id }
func (m *Meeting) stamp()                  { m.Typename = TypenameMeeting }
func (p PageView) GetID() string           { return p.ID }
func (PageView) GetTypename() Typename     { return TypenamePageView }
func (p *PageView) SetID(id string)        { p.ID = id }
func (p *PageView) stamp()                 { p.Typename = TypenamePageView }
func (l LogEntry) GetID() string           { return l.ID }
func (LogEntry) GetTypename() Typename     { return TypenameLogEntry }
func (l *LogEntry) SetID(id string)        { l.ID = id }
func (l *LogEntry) stamp()                 { l.Typename = TypenameLogEntry }
func (e InteractionEvent) GetID() string   { return e.ID }
func (InteractionEvent) GetTypename() Typename {
	return TypenameInteractionEvent
}
func (e *InteractionEvent) SetID(id string) { e.ID = id }
func (e *InteractionEvent) stamp()          { e.Typename = TypenameInteractionEvent }
func (s InteractionSession) GetID() string  { return s.ID }
func (InteractionSession) GetTypename() Typename {
	return TypenameInteractionSession
}
func (s *InteractionSession) SetID(id string) { s.ID = id }
func (s *InteractionSession) stamp()          { s.Typename = TypenameInteractionSession }
