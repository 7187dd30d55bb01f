package models

import (
	"fmt"

	"github.com/crmsync/crmsync/pkg/constants"
)

// Pagination is the {page, limit} shape accepted by list queries.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type ComparisonOperator string

const (
	OperatorEQ         ComparisonOperator = "EQ"
	OperatorContains   ComparisonOperator = "CONTAINS"
	OperatorIn         ComparisonOperator = "IN"
	OperatorGTE        ComparisonOperator = "GTE"
	OperatorLTE        ComparisonOperator = "LTE"
	OperatorBetween    ComparisonOperator = "BETWEEN"
	OperatorStartsWith ComparisonOperator = "STARTS_WITH"
)

func (op ComparisonOperator) valid() bool {
	switch op {
	case OperatorEQ, OperatorContains, OperatorIn, OperatorGTE,
		OperatorLTE, OperatorBetween, OperatorStartsWith:
		return true
	}
	return false
}

// FilterItem is a single property predicate.
type FilterItem struct {
	Property      string             `json:"property"`
	Value         any                `json:"value"`
	Operation     ComparisonOperator `json:"operation,omitempty"`
	CaseSensitive *bool              `json:"caseSensitive,omitempty"`
	IncludeEmpty  *bool              `json:"includeEmpty,omitempty"`
}

// Filter is the recursive predicate tree used by list queries. Exactly one
// of AND, OR, NOT or Filter is expected per node.
type Filter struct {
	AND    []Filter    `json:"AND,omitempty"`
	OR     []Filter    `json:"OR,omitempty"`
	NOT    *Filter     `json:"NOT,omitempty"`
	Filter *FilterItem `json:"filter,omitempty"`
}

// Where starts a leaf filter; an empty operation means EQ on the server.
func Where(property string, op ComparisonOperator, value any) Filter {
	return Filter{Filter: &FilterItem{Property: property, Operation: op, Value: value}}
}

func And(filters ...Filter) Filter { return Filter{AND: filters} }

func Or(filters ...Filter) Filter { return Filter{OR: filters} }

func Not(f Filter) Filter { return Filter{NOT: &f} }

// Validate walks the tree and rejects empty nodes, nodes mixing several
// branches and unknown operations.
func (f Filter) Validate() error {
	branches := 0
	if len(f.AND) > 0 {
		branches++
	}
	if len(f.OR) > 0 {
		branches++
	}
	if f.NOT != nil {
		branches++
	}
	if f.Filter != nil {
		branches++
	}
	if branches != 1 {
		return fmt.Errorf("%w: node must set exactly one of AND, OR, NOT, filter (got %d)", constants.ErrInvalidFilter, branches)
	}

	for _, child := range f.AND {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	for _, child := range f.OR {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	if f.NOT != nil {
		return f.NOT.Validate()
	}
	if f.Filter != nil {
		if f.Filter.Property == "" {
			return fmt.Errorf("%w: empty property", constants.ErrInvalidFilter)
		}
		if f.Filter.Operation != "" && !f.Filter.Operation.valid() {
			return fmt.Errorf("%w: unknown operation %q", constants.ErrInvalidFilter, f.Filter.Operation)
		}
		if f.Filter.Operation == OperatorBetween {
			if vals, ok := f.Filter.Value.([]any); !ok || len(vals) != 2 {
				return fmt.Errorf("%w: BETWEEN needs a two element value", constants.ErrInvalidFilter)
			}
		}
	}
	return nil
}
