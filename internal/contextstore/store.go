package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrEntryTooLarge  = errors.New("entry too large for configured chunk limit")
	ErrNotImplemented = errors.New("not implemented")
)

// PropertyStore is the key-value surface a job persists its state into. Keys
// are scoped by job identifier; values are JSON text. The production store is
// the case platform's job-context API; file, memory and Postgres stores exist
// for standalone deployments and tests.
type PropertyStore interface {
	Get(ctx context.Context, jobID, key string) (string, bool, error)
	Set(ctx context.Context, jobID, key, value string) error
	Delete(ctx context.Context, jobID, key string) error
}

// ChunkedStore persists mappings that may exceed the platform's per-property
// size bound by splitting them across numbered keys: key_0, key_1, ...
// A missing key_0 means no prior state.
type ChunkedStore struct {
	store      PropertyStore
	jobID      string
	chunkLimit int
}

const (
	// DefaultChunkLimit bounds the serialized byte size of one stored chunk.
	DefaultChunkLimit = 2_500_000

	chunkSizeReduction = 10
)

func NewChunkedStore(store PropertyStore, jobID string, chunkLimit int) (*ChunkedStore, error) {
	if store == nil || strings.TrimSpace(jobID) == "" {
		return nil, ErrInvalidInput
	}
	if chunkLimit <= 0 {
		chunkLimit = DefaultChunkLimit
	}
	return &ChunkedStore{
		store:      store,
		jobID:      strings.TrimSpace(jobID),
		chunkLimit: chunkLimit,
	}, nil
}

// SaveMapping writes mapping under key as numbered chunks of at most
// targetChunkSize entries each. When a chunk serializes over the byte limit,
// packing restarts with a smaller entry count, down to a floor of one entry
// per chunk; a single entry that cannot fit even alone fails with
// ErrEntryTooLarge. Trailing chunk keys left over from a previous, larger
// save are deleted so a later load cannot merge stale partitions.
func (s *ChunkedStore) SaveMapping(ctx context.Context, key string, mapping map[string]json.RawMessage, targetChunkSize int) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if targetChunkSize <= 0 {
		targetChunkSize = 1
	}
	chunks, err := splitIntoChunks(mapping, targetChunkSize, s.chunkLimit)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := s.store.Set(ctx, s.jobID, chunkKey(key, i), chunk); err != nil {
			return err
		}
	}
	return s.truncateFrom(ctx, key, len(chunks))
}

// LoadMapping reads key_0, key_1, ... until the first missing index and
// merges the chunk payloads. Chunks partition disjoint keys, so merge order
// does not matter. An absent key_0 yields an empty mapping.
func (s *ChunkedStore) LoadMapping(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	if s == nil || strings.TrimSpace(key) == "" {
		return nil, ErrInvalidInput
	}
	merged := map[string]json.RawMessage{}
	for i := 0; ; i++ {
		payload, found, err := s.store.Get(ctx, s.jobID, chunkKey(key, i))
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		var chunk map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", chunkKey(key, i), err)
		}
		for entryKey, entryValue := range chunk {
			merged[entryKey] = entryValue
		}
	}
	return merged, nil
}

// GetProperty and SetProperty expose the unchunked property surface for small
// values such as cursors and the ticket/case mapping.
func (s *ChunkedStore) GetProperty(ctx context.Context, key string) (string, bool, error) {
	if s == nil || strings.TrimSpace(key) == "" {
		return "", false, ErrInvalidInput
	}
	return s.store.Get(ctx, s.jobID, key)
}

func (s *ChunkedStore) SetProperty(ctx context.Context, key, value string) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return s.store.Set(ctx, s.jobID, key, value)
}

func (s *ChunkedStore) truncateFrom(ctx context.Context, key string, start int) error {
	for i := start; ; i++ {
		_, found, err := s.store.Get(ctx, s.jobID, chunkKey(key, i))
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := s.store.Delete(ctx, s.jobID, chunkKey(key, i)); err != nil {
			return err
		}
	}
}

func splitIntoChunks(mapping map[string]json.RawMessage, targetChunkSize, chunkLimit int) ([]string, error) {
	keys := make([]string, 0, len(mapping))
	for entryKey := range mapping {
		keys = append(keys, entryKey)
	}
	sort.Strings(keys)

	for size := targetChunkSize; ; {
		chunks, oversized := packChunks(mapping, keys, size, chunkLimit)
		if oversized == "" {
			return chunks, nil
		}
		if size <= 1 {
			return nil, fmt.Errorf("%w: entry %q", ErrEntryTooLarge, oversized)
		}
		size -= chunkSizeReduction
		if size < 1 {
			size = 1
		}
	}
}

func packChunks(mapping map[string]json.RawMessage, keys []string, size, chunkLimit int) (chunks []string, oversizedKey string) {
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunk := make(map[string]json.RawMessage, end-start)
		for _, entryKey := range keys[start:end] {
			chunk[entryKey] = mapping[entryKey]
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			// RawMessage values marshal verbatim; this only fires on
			// values that were never valid JSON to begin with.
			return nil, keys[start]
		}
		if len(payload) > chunkLimit {
			return nil, keys[start]
		}
		chunks = append(chunks, string(payload))
	}
	return chunks, ""
}

func chunkKey(key string, index int) string {
	return fmt.Sprintf("%s_%d", key, index)
}
