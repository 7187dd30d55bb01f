package models

import (
	"time"

	"github.com/google/uuid"
)

// Typename is the "__typename" discriminant of a record.
type Typename string

const (
	TypenameNote               Typename = "Note"
	TypenameOrder              Typename = "Order"
	TypenameIssue              Typename = "Issue"
	TypenameAction             Typename = "Action"
	TypenameAnalysis           Typename = "Analysis"
	TypenameMeeting            Typename = "Meeting"
	TypenamePageView           Typename = "PageView"
	TypenameLogEntry           Typename = "LogEntry"
	TypenameInteractionEvent   Typename = "InteractionEvent"
	TypenameInteractionSession Typename = "InteractionSession"
)

// AllTimelineTypenames lists every discriminant a timeline payload may carry.
func AllTimelineTypenames() []Typename {
	return []Typename{
		TypenameNote,
		TypenameOrder,
		TypenameIssue,
		TypenameAction,
		TypenameAnalysis,
		TypenameMeeting,
		TypenamePageView,
		TypenameLogEntry,
		TypenameInteractionEvent,
		TypenameInteractionSession,
	}
}

// Entity is implemented by the value type of every record.
type Entity interface {
	GetID() string
	GetTypename() Typename
}

// EntityPtr is the pointer side of a record type. It is sealed to this package.
type EntityPtr[T any] interface {
	*T
	Entity
	SetID(id string)
	stamp()
}

// NewEntity returns the local default for a record type: a zero value with a
// random id and its discriminant filled in.
func NewEntity[T any, P EntityPtr[T]]() T {
	var v T
	P(&v).SetID(uuid.NewString())
	P(&v).stamp()
	return v
}

// DataSource names the system a record originated from.
type DataSource string

const (
	DataSourceNA         DataSource = "NA"
	DataSourceOpenline   DataSource = "OPENLINE"
	DataSourceHubspot    DataSource = "HUBSPOT"
	DataSourceSalesforce DataSource = "SALESFORCE"
	DataSourceZendesk    DataSource = "ZENDESK_SUPPORT"
	DataSourceIntercom   DataSource = "INTERCOM"
	DataSourceWebscrape  DataSource = "WEBSCRAPE"
)

// Source holds the provenance fields every record carries.
type Source struct {
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	Source        DataSource `json:"source,omitempty"`
	SourceOfTruth DataSource `json:"sourceOfTruth,omitempty"`
	AppSource     string     `json:"appSource,omitempty"`
}

// Actor is a user or contact referenced by a record.
type Actor struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Participant is an attendee, sender or recipient of an interaction.
type Participant struct {
	Type  string `json:"type,omitempty"`
	Actor *Actor `json:"actor,omitempty"`
}

// Tag is a label attached to issues and log entries.
type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Stamp sets the discriminant of v to its type's Typename.
func Stamp[T any, P EntityPtr[T]](v P) {
	v.stamp()
}
