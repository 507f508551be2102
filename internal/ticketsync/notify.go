package ticketsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/ticketbridge/internal/caseplatform"
)

// Notifier turns diff output into comments on the cases mapped to each
// affected ticket. One comment per changed field; per-item failures are
// logged and skipped.
type Notifier struct {
	cases  caseplatform.CaseClient
	tags   *OriginTags
	logger *slog.Logger
}

func NewNotifier(cases caseplatform.CaseClient, tags *OriginTags, logger *slog.Logger) *Notifier {
	if tags == nil {
		tags = DefaultOriginTags()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{cases: cases, tags: tags, logger: logger}
}

// NotifyTicketChanges posts one comment per (ticket, field) change to
// every case mapped to the ticket.
func (n *Notifier) NotifyTicketChanges(ctx context.Context, mapping TicketCaseMapping, changes map[string]map[string]FieldChange) {
	for _, ticket := range mapping.Tickets() {
		for field, change := range changes[ticket] {
			body := n.tags.Apply(OriginNotifier, fmt.Sprintf(
				"Ticket %s field %s updated: %q -> %q",
				ticket, field, formatValue(change.Old), formatValue(change.New)))
			n.postToCases(ctx, mapping.Cases(ticket), ticket, body)
		}
	}
}

// NotifyRelatedObjectChanges posts changes in linked sub-records to the
// cases of every ticket that references the link.
func (n *Notifier) NotifyRelatedObjectChanges(ctx context.Context, mapping TicketCaseMapping, refs map[string]RelatedObjectRef, changes map[string]map[string]FieldChange) {
	for link, linkChanges := range changes {
		ref := refs[link]
		for field, change := range linkChanges {
			for _, ticket := range ref.TicketNumbers {
				body := n.tags.Apply(OriginNotifier, fmt.Sprintf(
					"Ticket %s %q object with display name %q updated. Field %s: %q -> %q",
					ticket, ref.FieldKey, ref.DisplayValue,
					field, formatValue(change.Old), formatValue(change.New)))
				n.postToCases(ctx, mapping.Cases(ticket), ticket, body)
			}
		}
	}
}

// ResourceAssociation names one (ticket, resource) link that appeared or
// disappeared this cycle.
type ResourceAssociation struct {
	TicketNumber  string
	ResourceSysID string
}

// NotifyResourceChanges posts affected-resource association and field
// changes to the cases of the referencing tickets.
func (n *Notifier) NotifyResourceChanges(
	ctx context.Context,
	mapping TicketCaseMapping,
	refs map[string]ResourceRef,
	resources map[string]map[string]any,
	added, removed []ResourceAssociation,
	changes map[string]map[string]FieldChange,
) {
	for _, assoc := range added {
		n.notifyAssociation(ctx, mapping, resources, assoc, "added")
	}
	for _, assoc := range removed {
		n.notifyAssociation(ctx, mapping, resources, assoc, "removed")
	}
	for sysID, resourceChanges := range changes {
		name := resourceName(resources, sysID)
		for field, change := range resourceChanges {
			for _, ticket := range refs[sysID].TicketNumbers {
				body := n.tags.Apply(OriginNotifier, fmt.Sprintf(
					"Ticket %s. Configuration item %q has been updated. Field %s: %q -> %q",
					ticket, name, field, formatValue(change.Old), formatValue(change.New)))
				n.postToCases(ctx, mapping.Cases(ticket), ticket, body)
			}
		}
	}
}

func (n *Notifier) notifyAssociation(ctx context.Context, mapping TicketCaseMapping, resources map[string]map[string]any, assoc ResourceAssociation, what string) {
	body := n.tags.Apply(OriginNotifier, fmt.Sprintf(
		"Ticket %s. Configuration item %q has been %s.",
		assoc.TicketNumber, resourceName(resources, assoc.ResourceSysID), what))
	n.postToCases(ctx, mapping.Cases(assoc.TicketNumber), assoc.TicketNumber, body)
}

func (n *Notifier) postToCases(ctx context.Context, caseIDs []string, ticket, body string) {
	for _, caseID := range caseIDs {
		if err := n.cases.AddComment(ctx, caseID, body); err != nil {
			n.logger.Warn("adding change notice to case failed",
				"ticket", ticket, "case", caseID, "error", err)
		}
	}
}

func resourceName(resources map[string]map[string]any, sysID string) string {
	if name := rawString(resources[sysID], "name"); name != "" {
		return name
	}
	return sysID
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}
