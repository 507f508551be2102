package caseplatform

import "time"

// ContextScope selects which platform object a context property hangs off.
type ContextScope int

const (
	ScopeCase ContextScope = iota
	ScopeAlert
)

func (s ContextScope) String() string {
	switch s {
	case ScopeCase:
		return "case"
	case ScopeAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// CaseFilter narrows the case listing. Zero values mean unfiltered.
type CaseFilter struct {
	Statuses      []string
	Tag           string
	UpdatedFrom   time.Time
	SortAscending bool
	MaxResults    int
}

type AlertOverview struct {
	ID         string
	Identifier string
	GroupID    string
}

type CaseOverview struct {
	ID               string
	Status           string
	Tags             []string
	StartTime        time.Time
	ModificationTime time.Time
	Alerts           []AlertOverview
}

type CaseComment struct {
	ID        string
	CaseID    string
	Text      string
	CreatedAt time.Time
}

type CaseAttachment struct {
	ID        string
	Name      string
	FileType  string
	CreatedAt time.Time
}
