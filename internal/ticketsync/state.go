package ticketsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentworkforce/ticketbridge/internal/contextstore"
)

const (
	ticketCaseMappingKey = "ticket_numbers_mapping"
	ticketsKey           = "tickets"
	relatedMappingKey    = "related_objects_mapping"
	relatedObjectsKey    = "related_objects"
	resourceMappingKey   = "affected_resources_mapping"
	resourcesKey         = "affected_resources"
	lastSuccessKey       = "last_success"
	processedCasesKey    = "processed_cases_last_success"
)

// Family-specific chunk entry counts, tuned to typical record sizes.
const (
	ticketChunkSize   = 700
	relatedChunkSize  = 900
	resourceChunkSize = 700
)

// RelatedObjectRef remembers which tickets reference a linked sub-record
// and how to describe it in change notices.
type RelatedObjectRef struct {
	TicketNumbers []string `json:"ticket_numbers"`
	FieldKey      string   `json:"key"`
	DisplayValue  string   `json:"value"`
}

// ResourceRef remembers which tickets reference an affected resource.
type ResourceRef struct {
	TicketNumbers []string `json:"ticket_numbers"`
	TicketSysIDs  []string `json:"ticket_sys_ids"`
}

// Snapshot is the cached view of external records as of the end of the
// previous successful cycle.
type Snapshot struct {
	TicketCases     TicketCaseMapping
	Tickets         map[string]map[string]any
	RelatedMapping  map[string]RelatedObjectRef
	RelatedObjects  map[string]map[string]any
	ResourceMapping map[string]ResourceRef
	Resources       map[string]map[string]any
}

func emptySnapshot() Snapshot {
	return Snapshot{
		TicketCases:     NewTicketCaseMapping(),
		Tickets:         map[string]map[string]any{},
		RelatedMapping:  map[string]RelatedObjectRef{},
		RelatedObjects:  map[string]map[string]any{},
		ResourceMapping: map[string]ResourceRef{},
		Resources:       map[string]map[string]any{},
	}
}

// SnapshotStore persists the snapshot and the run cursors through a
// chunked property store. The two mappings are small and stored whole;
// the three record families are chunked.
type SnapshotStore struct {
	store *contextstore.ChunkedStore
}

func NewSnapshotStore(store *contextstore.ChunkedStore) *SnapshotStore {
	return &SnapshotStore{store: store}
}

func (s *SnapshotStore) Load(ctx context.Context) (Snapshot, error) {
	snapshot := emptySnapshot()

	if err := s.loadProperty(ctx, ticketCaseMappingKey, &snapshot.TicketCases); err != nil {
		return Snapshot{}, err
	}
	if err := s.loadProperty(ctx, relatedMappingKey, &snapshot.RelatedMapping); err != nil {
		return Snapshot{}, err
	}
	if err := s.loadProperty(ctx, resourceMappingKey, &snapshot.ResourceMapping); err != nil {
		return Snapshot{}, err
	}

	var err error
	if snapshot.Tickets, err = s.loadRecords(ctx, ticketsKey); err != nil {
		return Snapshot{}, err
	}
	if snapshot.RelatedObjects, err = s.loadRecords(ctx, relatedObjectsKey); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Resources, err = s.loadRecords(ctx, resourcesKey); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := s.saveProperty(ctx, ticketCaseMappingKey, snapshot.TicketCases); err != nil {
		return err
	}
	if err := s.saveProperty(ctx, relatedMappingKey, snapshot.RelatedMapping); err != nil {
		return err
	}
	if err := s.saveProperty(ctx, resourceMappingKey, snapshot.ResourceMapping); err != nil {
		return err
	}
	if err := s.saveRecords(ctx, ticketsKey, snapshot.Tickets, ticketChunkSize); err != nil {
		return err
	}
	if err := s.saveRecords(ctx, relatedObjectsKey, snapshot.RelatedObjects, relatedChunkSize); err != nil {
		return err
	}
	return s.saveRecords(ctx, resourcesKey, snapshot.Resources, resourceChunkSize)
}

// LastSuccess returns the stored cursor, or the zero time when the job has
// never completed.
func (s *SnapshotStore) LastSuccess(ctx context.Context) (time.Time, error) {
	return s.loadCursor(ctx, lastSuccessKey)
}

func (s *SnapshotStore) ProcessedCasesCursor(ctx context.Context) (time.Time, error) {
	return s.loadCursor(ctx, processedCasesKey)
}

func (s *SnapshotStore) AdvanceCursors(ctx context.Context, lastSuccess, processedCases time.Time) error {
	if err := s.saveCursor(ctx, lastSuccessKey, lastSuccess); err != nil {
		return err
	}
	return s.saveCursor(ctx, processedCasesKey, processedCases)
}

func (s *SnapshotStore) loadCursor(ctx context.Context, key string) (time.Time, error) {
	value, ok, err := s.store.GetProperty(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor %s: %w", key, err)
	}
	if !ok || value == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor %s holds %q: %w", key, value, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *SnapshotStore) saveCursor(ctx context.Context, key string, at time.Time) error {
	if err := s.store.SetProperty(ctx, key, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("save cursor %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) loadProperty(ctx context.Context, key string, out any) error {
	value, ok, err := s.store.GetProperty(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || value == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) saveProperty(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.SetProperty(ctx, key, string(data)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (s *SnapshotStore) loadRecords(ctx context.Context, key string) (map[string]map[string]any, error) {
	raw, err := s.store.LoadMapping(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	records := make(map[string]map[string]any, len(raw))
	for id, payload := range raw {
		var record map[string]any
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decode %s record %s: %w", key, id, err)
		}
		records[id] = record
	}
	return records, nil
}

func (s *SnapshotStore) saveRecords(ctx context.Context, key string, records map[string]map[string]any, chunkSize int) error {
	raw := make(map[string]json.RawMessage, len(records))
	for id, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode %s record %s: %w", key, id, err)
		}
		raw[id] = payload
	}
	if err := s.store.SaveMapping(ctx, key, raw, chunkSize); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
