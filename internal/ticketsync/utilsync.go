package ticketsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"time"

	"github.com/agentworkforce/ticketbridge/internal/caseplatform"
	"github.com/agentworkforce/ticketbridge/internal/ticketing"
)

// UtilitySync carries comments and attachments between the two systems as
// two independent one-way passes. Loop suppression is origin-tag based:
// each pass drops anything the opposite pass wrote and tags everything it
// writes itself. Per-item failures are logged and skipped.
type UtilitySync struct {
	tickets ticketing.Client
	cases   caseplatform.CaseClient
	tags    *OriginTags
	logger  *slog.Logger
}

func NewUtilitySync(tickets ticketing.Client, cases caseplatform.CaseClient, tags *OriginTags, logger *slog.Logger) *UtilitySync {
	if tags == nil {
		tags = DefaultOriginTags()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UtilitySync{tickets: tickets, cases: cases, tags: tags, logger: logger}
}

// SyncTicketsToCases propagates ticket comments and attachments created
// after cutoff to every case mapped to each ticket.
func (u *UtilitySync) SyncTicketsToCases(ctx context.Context, tickets map[string]map[string]any, mapping TicketCaseMapping, cutoff time.Time) {
	for number, raw := range tickets {
		caseIDs := mapping.Cases(number)
		if len(caseIDs) == 0 {
			continue
		}
		sysID := rawString(raw, "sys_id")
		u.syncTicketComments(ctx, number, sysID, caseIDs, cutoff)
		u.syncTicketAttachments(ctx, number, sysID, caseIDs, cutoff)
	}
}

func (u *UtilitySync) syncTicketComments(ctx context.Context, number, sysID string, caseIDs []string, cutoff time.Time) {
	comments, err := u.tickets.GetComments(ctx, sysID, cutoff)
	if err != nil {
		if ticketing.IsNotFound(err) {
			u.logger.Info("no ticket comments found", "ticket", number)
			return
		}
		u.logger.Warn("fetching ticket comments failed", "ticket", number, "error", err)
		return
	}
	for _, comment := range comments {
		if comment.Value == "" || u.tags.Matches(comment.Value, OriginCaseComment) {
			continue
		}
		body := u.tags.Apply(OriginTicketComment, fmt.Sprintf("Ticket %s. %s", number, comment.Value))
		for _, caseID := range caseIDs {
			if err := u.cases.AddComment(ctx, caseID, body); err != nil {
				u.logger.Warn("adding comment to case failed",
					"ticket", number, "case", caseID, "error", err)
			}
		}
	}
}

func (u *UtilitySync) syncTicketAttachments(ctx context.Context, number, sysID string, caseIDs []string, cutoff time.Time) {
	attachments, err := u.tickets.GetAttachments(ctx, sysID, cutoff)
	if err != nil {
		if ticketing.IsNotFound(err) {
			u.logger.Info("no ticket attachments found", "ticket", number)
			return
		}
		u.logger.Warn("fetching ticket attachments failed", "ticket", number, "error", err)
		return
	}
	for _, attachment := range attachments {
		if u.tags.Matches(attachment.FileName, OriginCaseAttachment) {
			continue
		}
		content, err := u.tickets.GetAttachmentContent(ctx, attachment.DownloadLink)
		if err != nil {
			u.logger.Warn("fetching attachment content failed",
				"ticket", number, "attachment", attachment.FileName, "error", err)
			continue
		}
		name := u.tags.Apply(OriginTicketAttachment, attachment.FileName)
		reader := bytes.NewReader(content)
		for _, caseID := range caseIDs {
			if err := u.cases.SaveAttachmentToCase(ctx, caseID, name, filepath.Ext(attachment.FileName), reader); err != nil {
				u.logger.Warn("adding attachment to case failed",
					"ticket", number, "case", caseID, "attachment", attachment.FileName, "error", err)
			}
			if _, err := reader.Seek(0, io.SeekStart); err != nil {
				u.logger.Warn("rewinding attachment content failed",
					"attachment", attachment.FileName, "error", err)
				break
			}
		}
	}
}

// SyncCasesToTickets propagates case comments and attachments created
// after cutoff to the tickets mapped to each case. A comment is posted
// once per ticket even when several cases map to it.
func (u *UtilitySync) SyncCasesToTickets(ctx context.Context, mapping TicketCaseMapping, ticketSysIDs map[string]string, cutoff time.Time) {
	reverse := mapping.Reverse()
	for _, caseID := range mapping.AllCases() {
		u.syncCaseComments(ctx, caseID, reverse[caseID], cutoff)
		u.syncCaseAttachments(ctx, caseID, reverse[caseID], ticketSysIDs, cutoff)
	}
}

func (u *UtilitySync) syncCaseComments(ctx context.Context, caseID string, tickets []string, cutoff time.Time) {
	comments, err := u.cases.FetchCaseComments(ctx, caseID, cutoff)
	if err != nil {
		u.logger.Warn("fetching case comments failed", "case", caseID, "error", err)
		return
	}
	for _, comment := range comments {
		if comment.Text == "" {
			continue
		}
		// A comment may have been re-tagged by an intermediate stage, so
		// every ticket-origin tag is filtered, not just the comment one.
		if u.tags.Matches(comment.Text, OriginTicketComment, OriginNotifier, OriginTicketAttachment) {
			continue
		}
		body := u.tags.Apply(OriginCaseComment, comment.Text)
		for _, ticket := range tickets {
			if err := u.tickets.AddComment(ctx, ticket, body); err != nil {
				u.logger.Warn("adding comment to ticket failed",
					"case", caseID, "ticket", ticket, "error", err)
			}
		}
	}
}

func (u *UtilitySync) syncCaseAttachments(ctx context.Context, caseID string, tickets []string, ticketSysIDs map[string]string, cutoff time.Time) {
	attachments, err := u.cases.GetCaseAttachments(ctx, caseID)
	if err != nil {
		u.logger.Warn("fetching case attachments failed", "case", caseID, "error", err)
		return
	}
	for _, attachment := range attachments {
		if u.tags.Matches(attachment.Name, OriginTicketAttachment) {
			continue
		}
		if !attachment.CreatedAt.IsZero() && attachment.CreatedAt.Before(cutoff) {
			continue
		}
		content, err := u.cases.GetCaseAttachmentContent(ctx, attachment.ID)
		if err != nil {
			u.logger.Warn("fetching case attachment content failed",
				"case", caseID, "attachment", attachment.ID, "error", err)
			continue
		}
		name := u.tags.Apply(OriginCaseAttachment, attachment.Name+attachment.FileType)
		contentType := mime.TypeByExtension(attachment.FileType)
		reader := bytes.NewReader(content)
		for _, ticket := range tickets {
			sysID, ok := ticketSysIDs[ticket]
			if !ok {
				u.logger.Warn("ticket sys id unknown, skipping attachment",
					"case", caseID, "ticket", ticket)
				continue
			}
			if err := u.tickets.AddAttachment(ctx, sysID, name, reader, contentType); err != nil {
				u.logger.Warn("adding attachment to ticket failed",
					"case", caseID, "ticket", ticket, "attachment", attachment.Name, "error", err)
			}
			if _, err := reader.Seek(0, io.SeekStart); err != nil {
				u.logger.Warn("rewinding attachment content failed",
					"attachment", attachment.Name, "error", err)
				break
			}
		}
	}
}

func rawString(raw map[string]any, key string) string {
	if value, ok := raw[key].(string); ok {
		return value
	}
	if nested, ok := raw[key].(map[string]any); ok {
		if value, ok := nested["value"].(string); ok {
			return value
		}
		if value, ok := nested["display_value"].(string); ok {
			return value
		}
	}
	return ""
}
