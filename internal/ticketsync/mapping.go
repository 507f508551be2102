package ticketsync

import (
	"encoding/json"
	"sort"
	"strings"
)

// TicketCaseMapping associates each external ticket number with the set of
// case IDs that reference it. Serialized as ticket -> sorted case ID list.
type TicketCaseMapping map[string]map[string]struct{}

func NewTicketCaseMapping() TicketCaseMapping {
	return TicketCaseMapping{}
}

func (m TicketCaseMapping) Add(ticket, caseID string) {
	cases, ok := m[ticket]
	if !ok {
		cases = map[string]struct{}{}
		m[ticket] = cases
	}
	cases[caseID] = struct{}{}
}

func (m TicketCaseMapping) Remove(ticket, caseID string) {
	cases, ok := m[ticket]
	if !ok {
		return
	}
	delete(cases, caseID)
	if len(cases) == 0 {
		delete(m, ticket)
	}
}

func (m TicketCaseMapping) Has(ticket, caseID string) bool {
	_, ok := m[ticket][caseID]
	return ok
}

// Tickets returns the ticket numbers in sorted order.
func (m TicketCaseMapping) Tickets() []string {
	tickets := make([]string, 0, len(m))
	for ticket := range m {
		tickets = append(tickets, ticket)
	}
	sort.Strings(tickets)
	return tickets
}

// Cases returns the sorted case IDs mapped to ticket.
func (m TicketCaseMapping) Cases(ticket string) []string {
	cases := make([]string, 0, len(m[ticket]))
	for caseID := range m[ticket] {
		cases = append(cases, caseID)
	}
	sort.Strings(cases)
	return cases
}

// AllCases returns every case ID appearing anywhere in the mapping, sorted
// and deduplicated.
func (m TicketCaseMapping) AllCases() []string {
	set := map[string]struct{}{}
	for _, cases := range m {
		for caseID := range cases {
			set[caseID] = struct{}{}
		}
	}
	all := make([]string, 0, len(set))
	for caseID := range set {
		all = append(all, caseID)
	}
	sort.Strings(all)
	return all
}

// Reverse returns case ID -> sorted ticket numbers.
func (m TicketCaseMapping) Reverse() map[string][]string {
	reverse := map[string][]string{}
	for ticket, cases := range m {
		for caseID := range cases {
			reverse[caseID] = append(reverse[caseID], ticket)
		}
	}
	for caseID := range reverse {
		sort.Strings(reverse[caseID])
	}
	return reverse
}

func (m TicketCaseMapping) Clone() TicketCaseMapping {
	clone := make(TicketCaseMapping, len(m))
	for ticket, cases := range m {
		set := make(map[string]struct{}, len(cases))
		for caseID := range cases {
			set[caseID] = struct{}{}
		}
		clone[ticket] = set
	}
	return clone
}

func (m TicketCaseMapping) MarshalJSON() ([]byte, error) {
	doc := make(map[string][]string, len(m))
	for ticket := range m {
		doc[ticket] = m.Cases(ticket)
	}
	return json.Marshal(doc)
}

func (m *TicketCaseMapping) UnmarshalJSON(data []byte) error {
	var doc map[string][]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	mapping := make(TicketCaseMapping, len(doc))
	for ticket, cases := range doc {
		for _, caseID := range cases {
			mapping.Add(ticket, caseID)
		}
	}
	*m = mapping
	return nil
}

// MergeResult is the outcome of folding one cycle's discovery into the
// cached mapping.
type MergeResult struct {
	Mapping    TicketCaseMapping
	NewTickets []string
}

// MergeAndPrune applies each case's freshly discovered ticket set to the
// cached mapping: the case is removed from tickets it no longer references
// and added to the tickets it now does; tickets whose case set becomes
// empty are dropped. Cases absent from ticketsByCase are left untouched.
func MergeAndPrune(cached TicketCaseMapping, ticketsByCase map[string][]string) MergeResult {
	merged := cached.Clone()
	reverse := cached.Reverse()

	for caseID, tickets := range ticketsByCase {
		discovered := map[string]struct{}{}
		for _, ticket := range tickets {
			discovered[ticket] = struct{}{}
		}
		if sameTicketSet(reverse[caseID], discovered) {
			continue
		}
		for _, ticket := range reverse[caseID] {
			if _, still := discovered[ticket]; !still {
				merged.Remove(ticket, caseID)
			}
		}
		for ticket := range discovered {
			merged.Add(ticket, caseID)
		}
	}

	var newTickets []string
	for ticket := range merged {
		if _, known := cached[ticket]; !known {
			newTickets = append(newTickets, ticket)
		}
	}
	sort.Strings(newTickets)
	return MergeResult{Mapping: merged, NewTickets: newTickets}
}

func sameTicketSet(tickets []string, set map[string]struct{}) bool {
	if len(tickets) != len(set) {
		return false
	}
	for _, ticket := range tickets {
		if _, ok := set[ticket]; !ok {
			return false
		}
	}
	return true
}

// SplitTicketList parses the comma-separated ticket numbers stored in a
// case or alert context property.
func SplitTicketList(value string) []string {
	parts := strings.Split(value, ",")
	seen := map[string]struct{}{}
	var tickets []string
	for _, part := range parts {
		ticket := strings.TrimSpace(part)
		if ticket == "" {
			continue
		}
		if _, dup := seen[ticket]; dup {
			continue
		}
		seen[ticket] = struct{}{}
		tickets = append(tickets, ticket)
	}
	return tickets
}
