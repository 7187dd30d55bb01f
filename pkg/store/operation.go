package store

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crmsync/crmsync/pkg/models"
)

// Operation is one entry of a Store's history: a local change that was
// handed to the Mutator.
type Operation struct {
	ID       string
	Name     string
	Typename models.Typename
	EntityID string
	At       time.Time
	// Err is the save error, empty when the change was persisted.
	Err string
}

// GroupOperation is one entry of a Group's history.
type GroupOperation struct {
	ID       string
	Name     string
	Typename models.Typename
	IDs      []string
	Total    int
	At       time.Time
}

func newOperationID() string {
	return ulid.Make().String()
}
