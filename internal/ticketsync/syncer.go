package ticketsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/ticketbridge/internal/caseplatform"
	"github.com/agentworkforce/ticketbridge/internal/ticketing"
)

// SyncLevel selects where the linked ticket numbers are stored on the
// case platform.
type SyncLevel string

const (
	SyncLevelCase  SyncLevel = "case"
	SyncLevelAlert SyncLevel = "alert"
)

const (
	// DefaultTicketIDContextKey is the context property holding the
	// comma-separated ticket numbers linked to a case or alert.
	DefaultTicketIDContextKey = "TICKET_ID"

	// DefaultMaxCases bounds how many cases one cycle discovers.
	DefaultMaxCases = 100

	openCaseStatus = "open"
)

type Config struct {
	JobID              string
	SyncTag            string
	SyncLevel          SyncLevel
	TicketIDContextKey string
	Lookback           time.Duration
	PageSize           int
	MaxCases           int
	Exclusions         Exclusions
	Tags               *OriginTags

	// Now is overridable for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if c.SyncTag == "" {
		return fmt.Errorf("sync tag is required")
	}
	switch c.SyncLevel {
	case "":
		c.SyncLevel = SyncLevelCase
	case SyncLevelCase, SyncLevelAlert:
	default:
		return fmt.Errorf("unknown sync level %q", c.SyncLevel)
	}
	if c.TicketIDContextKey == "" {
		c.TicketIDContextKey = DefaultTicketIDContextKey
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxCases <= 0 {
		c.MaxCases = DefaultMaxCases
	}
	if c.Exclusions == nil {
		c.Exclusions = DefaultExclusions()
	}
	if c.Tags == nil {
		c.Tags = DefaultOriginTags()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Syncer runs one reconciliation cycle at a time. All pipeline state for a
// cycle lives in a syncRun value threaded between the stages.
type Syncer struct {
	cfg      Config
	tickets  ticketing.Client
	cases    caseplatform.CaseClient
	state    *SnapshotStore
	fetcher  *BatchFetcher
	util     *UtilitySync
	notifier *Notifier
	logger   *slog.Logger
}

func NewSyncer(cfg Config, tickets ticketing.Client, cases caseplatform.CaseClient, state *SnapshotStore, logger *slog.Logger) (*Syncer, error) {
	if tickets == nil || cases == nil || state == nil {
		return nil, fmt.Errorf("ticket client, case client and state store are required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:      cfg,
		tickets:  tickets,
		cases:    cases,
		state:    state,
		fetcher:  NewBatchFetcher(tickets, cfg.PageSize, logger),
		util:     NewUtilitySync(tickets, cases, cfg.Tags, logger),
		notifier: NewNotifier(cases, cfg.Tags, logger),
		logger:   logger,
	}, nil
}

type processedCase struct {
	id string
	at time.Time
}

// syncRun is the pipeline state of a single cycle.
type syncRun struct {
	runID           string
	startedAt       time.Time
	cutoff          time.Time
	processedCutoff time.Time

	cached Snapshot

	processedCases []processedCase
	mapping        TicketCaseMapping

	newTickets     map[string]map[string]any
	updatedTickets map[string]map[string]any
	ticketChanges  map[string]map[string]FieldChange

	relatedMapping map[string]RelatedObjectRef
	relatedObjects map[string]map[string]any
	updatedRelated map[string]map[string]any
	relatedChanges map[string]map[string]FieldChange

	resourceMapping  map[string]ResourceRef
	resources        map[string]map[string]any
	updatedResources map[string]map[string]any
	resourceChanges  map[string]map[string]FieldChange
	resourcesAdded   []ResourceAssociation
	resourcesRemoved []ResourceAssociation
}

// SyncOnce runs one full reconciliation cycle. Per-item failures inside a
// stage are logged and skipped; only state-store and discovery failures
// abort the cycle and leave the cursors untouched.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	run := &syncRun{
		runID:            uuid.NewString(),
		startedAt:        s.cfg.Now().UTC(),
		mapping:          NewTicketCaseMapping(),
		newTickets:       map[string]map[string]any{},
		updatedTickets:   map[string]map[string]any{},
		ticketChanges:    map[string]map[string]FieldChange{},
		relatedMapping:   map[string]RelatedObjectRef{},
		relatedObjects:   map[string]map[string]any{},
		updatedRelated:   map[string]map[string]any{},
		relatedChanges:   map[string]map[string]FieldChange{},
		resourceMapping:  map[string]ResourceRef{},
		resources:        map[string]map[string]any{},
		updatedResources: map[string]map[string]any{},
		resourceChanges:  map[string]map[string]FieldChange{},
	}
	logger := s.logger.With("run_id", run.runID)

	if err := s.loadCursors(ctx, run); err != nil {
		return err
	}
	logger.Info("cycle starting", "cutoff", run.cutoff, "processed_cutoff", run.processedCutoff)

	var err error
	if run.cached, err = s.state.Load(ctx); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if err := s.discoverMapping(ctx, run, logger); err != nil {
		return fmt.Errorf("discover case mapping: %w", err)
	}
	s.fetchNewTickets(ctx, run, logger)
	s.fetchResourceAssociations(ctx, run, logger)
	s.fetchUpdatedTickets(ctx, run, logger)
	s.fetchRelatedObjects(ctx, run, logger)
	s.fetchUpdatedResources(ctx, run, logger)
	s.computeDiffs(run)

	logger.Info("syncing utilities ticket to case")
	s.util.SyncTicketsToCases(ctx, run.updatedTickets, run.mapping, run.cutoff)
	logger.Info("syncing utilities case to ticket")
	s.util.SyncCasesToTickets(ctx, s.cachedMappingAfterPrune(run), s.ticketSysIDs(run), run.cutoff)

	if len(run.ticketChanges) > 0 {
		logger.Info("posting ticket change notices", "tickets", len(run.ticketChanges))
		s.notifier.NotifyTicketChanges(ctx, run.mapping, run.ticketChanges)
	}
	if len(run.relatedChanges) > 0 {
		logger.Info("posting related object change notices", "objects", len(run.relatedChanges))
		s.notifier.NotifyRelatedObjectChanges(ctx, run.mapping, s.mergedRelatedMapping(run), run.relatedChanges)
	}
	if len(run.resourceChanges) > 0 || len(run.resourcesAdded) > 0 || len(run.resourcesRemoved) > 0 {
		logger.Info("posting resource change notices")
		s.notifier.NotifyResourceChanges(ctx, run.mapping, run.resourceMapping,
			s.mergedResources(run), run.resourcesAdded, run.resourcesRemoved, run.resourceChanges)
	}

	if err := s.state.Save(ctx, s.mergedSnapshot(run)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	processedCursor := run.startedAt
	if n := len(run.processedCases); n > 0 {
		processedCursor = run.processedCases[n-1].at
	}
	if err := s.state.AdvanceCursors(ctx, run.startedAt, processedCursor); err != nil {
		return fmt.Errorf("advance cursors: %w", err)
	}
	logger.Info("cycle finished",
		"tickets", len(run.mapping),
		"new_tickets", len(run.newTickets),
		"updated_tickets", len(run.updatedTickets))
	return nil
}

func (s *Syncer) loadCursors(ctx context.Context, run *syncRun) error {
	lastSuccess, err := s.state.LastSuccess(ctx)
	if err != nil {
		return err
	}
	if lastSuccess.IsZero() {
		lastSuccess = run.startedAt
	}
	run.cutoff = lastSuccess.Add(-s.cfg.Lookback)

	processed, err := s.state.ProcessedCasesCursor(ctx)
	if err != nil {
		return err
	}
	if processed.IsZero() {
		processed = run.startedAt
	}
	run.processedCutoff = processed.Add(-s.cfg.Lookback)
	return nil
}

// discoverMapping finds the cases tagged for sync, reads their linked
// ticket numbers and folds them into the cached mapping. Wholesale
// discovery failure is fatal; a single unreadable case is skipped.
func (s *Syncer) discoverMapping(ctx context.Context, run *syncRun, logger *slog.Logger) error {
	caseIDs, err := s.cases.GetCaseIDsByFilter(ctx, caseplatform.CaseFilter{
		Statuses:      []string{openCaseStatus},
		Tag:           s.cfg.SyncTag,
		UpdatedFrom:   run.processedCutoff,
		SortAscending: true,
		MaxResults:    s.cfg.MaxCases,
	})
	if err != nil {
		return err
	}
	logger.Info("discovered cases to process", "count", len(caseIDs))

	ticketsByCase := map[string][]string{}
	for _, caseID := range caseIDs {
		overview, err := s.cases.GetCaseOverview(ctx, caseID)
		if err != nil {
			logger.Warn("fetching case overview failed", "case", caseID, "error", err)
			continue
		}
		tickets, err := s.caseTickets(ctx, overview)
		if err != nil {
			logger.Warn("reading linked ticket numbers failed", "case", caseID, "error", err)
			continue
		}
		ticketsByCase[caseID] = tickets

		processedAt := overview.ModificationTime
		if processedAt.IsZero() {
			processedAt = overview.StartTime
		}
		run.processedCases = append(run.processedCases, processedCase{id: caseID, at: processedAt})
	}

	result := MergeAndPrune(run.cached.TicketCases, ticketsByCase)
	run.mapping = result.Mapping
	for _, ticket := range result.NewTickets {
		run.newTickets[ticket] = nil
	}
	return nil
}

func (s *Syncer) caseTickets(ctx context.Context, overview *caseplatform.CaseOverview) ([]string, error) {
	if s.cfg.SyncLevel == SyncLevelAlert {
		var tickets []string
		for _, alert := range overview.Alerts {
			value, ok, err := s.cases.GetContextProperty(ctx, caseplatform.ScopeAlert, alert.GroupID, s.cfg.TicketIDContextKey)
			if err != nil {
				return nil, err
			}
			if ok {
				tickets = append(tickets, SplitTicketList(value)...)
			}
		}
		return dedupe(tickets), nil
	}
	value, ok, err := s.cases.GetContextProperty(ctx, caseplatform.ScopeCase, overview.ID, s.cfg.TicketIDContextKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return SplitTicketList(value), nil
}

// fetchNewTickets fetches full records for tickets that entered the
// mapping this cycle and derives their related-object links.
func (s *Syncer) fetchNewTickets(ctx context.Context, run *syncRun, logger *slog.Logger) {
	numbers := make([]string, 0, len(run.newTickets))
	for number := range run.newTickets {
		numbers = append(numbers, number)
	}
	sort.Strings(numbers)
	if len(numbers) == 0 {
		return
	}
	records, err := s.fetcher.FetchTickets(ctx, numbers, time.Time{})
	if err != nil {
		logger.Warn("fetching new tickets failed", "count", len(numbers), "error", err)
		for number := range run.newTickets {
			delete(run.newTickets, number)
		}
		return
	}
	for number := range run.newTickets {
		delete(run.newTickets, number)
	}
	for number, record := range records {
		run.newTickets[number] = record.Raw
		s.recordRelatedLinks(run, record)
	}
	logger.Info("fetched new tickets", "count", len(records))
}

// fetchUpdatedTickets refreshes cached tickets changed since the cutoff.
func (s *Syncer) fetchUpdatedTickets(ctx context.Context, run *syncRun, logger *slog.Logger) {
	cachedNumbers := run.cached.TicketCases.Tickets()
	if len(cachedNumbers) == 0 {
		return
	}
	records, err := s.fetcher.FetchTickets(ctx, cachedNumbers, run.cutoff)
	if err != nil {
		logger.Warn("fetching updated tickets failed", "error", err)
		return
	}
	for number, record := range records {
		run.updatedTickets[number] = record.Raw
		if _, cached := run.cached.Tickets[number]; cached {
			s.recordRelatedLinks(run, record)
		}
	}
	logger.Info("fetched updated tickets", "count", len(records))
}

func (s *Syncer) recordRelatedLinks(run *syncRun, record ticketing.TicketRecord) {
	for _, link := range record.RelatedLinks() {
		ref := run.relatedMapping[link.URL]
		cachedRef := run.cached.RelatedMapping[link.URL]
		ref.TicketNumbers = dedupe(append(append(ref.TicketNumbers, cachedRef.TicketNumbers...), record.Number))
		ref.FieldKey = link.FieldKey
		ref.DisplayValue = link.DisplayValue
		run.relatedMapping[link.URL] = ref
	}
}

// fetchResourceAssociations maps every known ticket to its affected
// resources and computes added/removed associations against the cache.
func (s *Syncer) fetchResourceAssociations(ctx context.Context, run *syncRun, logger *slog.Logger) {
	sysIDByNumber := s.ticketSysIDs(run)
	numberBySysID := make(map[string]string, len(sysIDByNumber))
	sysIDs := make([]string, 0, len(sysIDByNumber))
	for number, sysID := range sysIDByNumber {
		numberBySysID[sysID] = number
		sysIDs = append(sysIDs, sysID)
	}
	sort.Strings(sysIDs)

	associations, err := s.fetcher.FetchAffectedResources(ctx, sysIDs)
	if err != nil {
		// Carry the cached associations forward so a transient failure
		// does not persist an empty mapping and replay every resource
		// as newly added next cycle.
		logger.Warn("fetching affected resources failed, keeping cached associations", "error", err)
		for sysID, ref := range run.cached.ResourceMapping {
			run.resourceMapping[sysID] = ref
		}
		for sysID, raw := range run.cached.Resources {
			run.resources[sysID] = raw
		}
		return
	}
	for _, assoc := range associations {
		ref := run.resourceMapping[assoc.SysID]
		ref.TicketNumbers = dedupe(append(ref.TicketNumbers, numberBySysID[assoc.TicketSysID]))
		ref.TicketSysIDs = dedupe(append(ref.TicketSysIDs, assoc.TicketSysID))
		run.resourceMapping[assoc.SysID] = ref
	}

	if len(run.cached.TicketCases) > 0 {
		s.computeResourceAssociationChanges(run)
	}

	resourceIDs := make([]string, 0, len(run.resourceMapping))
	for sysID := range run.resourceMapping {
		resourceIDs = append(resourceIDs, sysID)
	}
	sort.Strings(resourceIDs)
	details, err := s.fetcher.FetchResourceDetails(ctx, resourceIDs, time.Time{})
	if err != nil {
		logger.Warn("fetching resource details failed", "error", err)
		return
	}
	for sysID, record := range details {
		run.resources[sysID] = record.Raw
	}
}

func (s *Syncer) computeResourceAssociationChanges(run *syncRun) {
	for sysID, ref := range run.resourceMapping {
		cached := run.cached.ResourceMapping[sysID]
		for _, number := range subtract(ref.TicketNumbers, cached.TicketNumbers) {
			run.resourcesAdded = append(run.resourcesAdded, ResourceAssociation{TicketNumber: number, ResourceSysID: sysID})
		}
	}
	for sysID, cached := range run.cached.ResourceMapping {
		current := run.resourceMapping[sysID]
		for _, number := range subtract(cached.TicketNumbers, current.TicketNumbers) {
			run.resourcesRemoved = append(run.resourcesRemoved, ResourceAssociation{TicketNumber: number, ResourceSysID: sysID})
		}
	}
	sortAssociations(run.resourcesAdded)
	sortAssociations(run.resourcesRemoved)
}

// fetchRelatedObjects pulls current payloads for every known link, both
// to cache the new ones and to diff the previously cached ones.
func (s *Syncer) fetchRelatedObjects(ctx context.Context, run *syncRun, logger *slog.Logger) {
	for link := range run.relatedMapping {
		payload, err := s.tickets.GetRelatedLink(ctx, link)
		if err != nil {
			if ticketing.IsNotFound(err) {
				logger.Info("related object not found", "link", link)
				continue
			}
			logger.Warn("fetching related object failed", "link", link, "error", err)
			continue
		}
		run.relatedObjects[link] = payload
	}
	for link := range run.cached.RelatedMapping {
		payload, err := s.tickets.GetRelatedLink(ctx, link)
		if err != nil {
			if ticketing.IsNotFound(err) {
				logger.Info("related object not found", "link", link)
				continue
			}
			logger.Warn("fetching related object failed", "link", link, "error", err)
			continue
		}
		run.updatedRelated[link] = payload
	}
}

func (s *Syncer) fetchUpdatedResources(ctx context.Context, run *syncRun, logger *slog.Logger) {
	cachedIDs := make([]string, 0, len(run.cached.ResourceMapping))
	for sysID := range run.cached.ResourceMapping {
		cachedIDs = append(cachedIDs, sysID)
	}
	sort.Strings(cachedIDs)
	if len(cachedIDs) == 0 {
		return
	}
	details, err := s.fetcher.FetchResourceDetails(ctx, cachedIDs, run.cutoff)
	if err != nil {
		logger.Warn("fetching updated resources failed", "error", err)
		return
	}
	for sysID, record := range details {
		run.updatedResources[sysID] = record.Raw
	}
}

func (s *Syncer) computeDiffs(run *syncRun) {
	for number, updated := range run.updatedTickets {
		cached, ok := run.cached.Tickets[number]
		if !ok {
			continue
		}
		if changes := CompareRecords(cached, updated, s.cfg.Exclusions); len(changes) > 0 {
			run.ticketChanges[number] = changes
		}
	}
	for link := range run.cached.RelatedMapping {
		updated, ok := run.updatedRelated[link]
		if !ok || len(updated) == 0 {
			continue
		}
		if changes := CompareRecords(run.cached.RelatedObjects[link], updated, s.cfg.Exclusions); len(changes) > 0 {
			run.relatedChanges[link] = changes
		}
	}
	for sysID := range run.cached.ResourceMapping {
		updated, ok := run.updatedResources[sysID]
		if !ok {
			continue
		}
		if changes := CompareRecords(run.cached.Resources[sysID], updated, s.cfg.Exclusions); len(changes) > 0 {
			run.resourceChanges[sysID] = changes
		}
	}
}

// ticketSysIDs maps every known ticket number to its sys id, preferring
// the freshest record.
func (s *Syncer) ticketSysIDs(run *syncRun) map[string]string {
	out := map[string]string{}
	for number, raw := range run.cached.Tickets {
		if sysID := rawString(raw, "sys_id"); sysID != "" {
			out[number] = sysID
		}
	}
	for number, raw := range run.newTickets {
		if sysID := rawString(raw, "sys_id"); sysID != "" {
			out[number] = sysID
		}
	}
	for number, raw := range run.updatedTickets {
		if sysID := rawString(raw, "sys_id"); sysID != "" {
			out[number] = sysID
		}
	}
	return out
}

// cachedMappingAfterPrune is the cached mapping minus the associations
// this cycle's discovery pruned. The case to ticket pass routes over
// these, so a case linked for the first time this cycle contributes no
// comments until the next one.
func (s *Syncer) cachedMappingAfterPrune(run *syncRun) TicketCaseMapping {
	pruned := NewTicketCaseMapping()
	for ticket, cases := range run.cached.TicketCases {
		for caseID := range cases {
			if run.mapping.Has(ticket, caseID) {
				pruned.Add(ticket, caseID)
			}
		}
	}
	return pruned
}

func (s *Syncer) mergedRelatedMapping(run *syncRun) map[string]RelatedObjectRef {
	merged := make(map[string]RelatedObjectRef, len(run.cached.RelatedMapping)+len(run.relatedMapping))
	for link, ref := range run.cached.RelatedMapping {
		merged[link] = ref
	}
	for link, ref := range run.relatedMapping {
		merged[link] = ref
	}
	return merged
}

func (s *Syncer) mergedResources(run *syncRun) map[string]map[string]any {
	merged := map[string]map[string]any{}
	for sysID, raw := range run.cached.Resources {
		merged[sysID] = raw
	}
	for sysID, raw := range run.resources {
		merged[sysID] = raw
	}
	for sysID, raw := range run.updatedResources {
		merged[sysID] = raw
	}
	return merged
}

// mergedSnapshot is the cached ∪ new ∪ updated view persisted for the next
// cycle. Related objects with empty payloads are dropped; resource records
// survive only while still referenced by the current mapping.
func (s *Syncer) mergedSnapshot(run *syncRun) Snapshot {
	snapshot := emptySnapshot()
	snapshot.TicketCases = run.mapping

	for number, raw := range run.cached.Tickets {
		snapshot.Tickets[number] = raw
	}
	for number, raw := range run.newTickets {
		if raw != nil {
			snapshot.Tickets[number] = raw
		}
	}
	for number, raw := range run.updatedTickets {
		snapshot.Tickets[number] = raw
	}

	snapshot.RelatedMapping = s.mergedRelatedMapping(run)
	for link, raw := range run.cached.RelatedObjects {
		if len(raw) > 0 {
			snapshot.RelatedObjects[link] = raw
		}
	}
	for link, raw := range run.relatedObjects {
		if len(raw) > 0 {
			snapshot.RelatedObjects[link] = raw
		}
	}
	for link, raw := range run.updatedRelated {
		if len(raw) > 0 {
			snapshot.RelatedObjects[link] = raw
		}
	}

	snapshot.ResourceMapping = run.resourceMapping
	for sysID, raw := range s.mergedResources(run) {
		if _, referenced := run.resourceMapping[sysID]; referenced {
			snapshot.Resources[sysID] = raw
		}
	}
	return snapshot
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func subtract(a, b []string) []string {
	remove := make(map[string]struct{}, len(b))
	for _, value := range b {
		remove[value] = struct{}{}
	}
	var out []string
	for _, value := range a {
		if _, drop := remove[value]; !drop {
			out = append(out, value)
		}
	}
	sort.Strings(out)
	return out
}

func sortAssociations(assocs []ResourceAssociation) {
	sort.Slice(assocs, func(i, j int) bool {
		if assocs[i].TicketNumber != assocs[j].TicketNumber {
			return assocs[i].TicketNumber < assocs[j].TicketNumber
		}
		return assocs[i].ResourceSysID < assocs[j].ResourceSysID
	})
}
