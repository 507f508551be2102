package ticketsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentworkforce/ticketbridge/internal/ticketing"
)

// DefaultPageSize is the ticketing system's documented per-request
// identifier cap.
const DefaultPageSize = 300

// BatchFetcher pulls records from the ticketing system in sequential pages
// bounded by the per-request cap. A page that comes back NotFound is logged
// and contributes zero results; any other page failure aborts the fetch
// call it belongs to.
type BatchFetcher struct {
	client   ticketing.Client
	pageSize int
	logger   *slog.Logger
}

func NewBatchFetcher(client ticketing.Client, pageSize int, logger *slog.Logger) *BatchFetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchFetcher{client: client, pageSize: pageSize, logger: logger}
}

// FetchTickets returns the tickets matching numbers, keyed by ticket
// number. An empty numbers slice with a non-zero since fetches every
// ticket changed after since, used for first-sync discovery.
func (f *BatchFetcher) FetchTickets(ctx context.Context, numbers []string, since time.Time) (map[string]ticketing.TicketRecord, error) {
	records := map[string]ticketing.TicketRecord{}
	if len(numbers) == 0 {
		if since.IsZero() {
			return records, nil
		}
		page, err := f.client.GetTickets(ctx, nil, since)
		if err != nil {
			if ticketing.IsNotFound(err) {
				f.logger.Info("no tickets found", "since", since)
				return records, nil
			}
			return nil, err
		}
		for _, record := range page {
			records[record.Number] = record
		}
		return records, nil
	}

	for _, pageNumbers := range pages(numbers, f.pageSize) {
		page, err := f.client.GetTickets(ctx, pageNumbers, since)
		if err != nil {
			if ticketing.IsNotFound(err) {
				f.logger.Info("tickets not found", "count", len(pageNumbers))
				continue
			}
			return nil, err
		}
		for _, record := range page {
			records[record.Number] = record
		}
	}
	return records, nil
}

// FetchAffectedResources returns the resource association records for the
// given ticket sys IDs.
func (f *BatchFetcher) FetchAffectedResources(ctx context.Context, ticketSysIDs []string) ([]ticketing.AffectedResource, error) {
	var resources []ticketing.AffectedResource
	for _, pageIDs := range pages(ticketSysIDs, f.pageSize) {
		page, err := f.client.GetAffectedResources(ctx, pageIDs)
		if err != nil {
			if ticketing.IsNotFound(err) {
				f.logger.Info("affected resources not found", "count", len(pageIDs))
				continue
			}
			return nil, err
		}
		resources = append(resources, page...)
	}
	return resources, nil
}

// FetchResourceDetails returns detail records for the given resource sys
// IDs, keyed by sys ID.
func (f *BatchFetcher) FetchResourceDetails(ctx context.Context, sysIDs []string, since time.Time) (map[string]ticketing.ResourceRecord, error) {
	records := map[string]ticketing.ResourceRecord{}
	for _, pageIDs := range pages(sysIDs, f.pageSize) {
		page, err := f.client.GetAffectedResourceDetails(ctx, pageIDs, since)
		if err != nil {
			if ticketing.IsNotFound(err) {
				f.logger.Info("resource details not found", "count", len(pageIDs))
				continue
			}
			return nil, err
		}
		for _, record := range page {
			records[record.SysID] = record
		}
	}
	return records, nil
}

func pages(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
