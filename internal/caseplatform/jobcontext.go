package caseplatform

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// JobContextStore exposes the platform's per-job context properties as a
// contextstore.PropertyStore. It is the production state backend.
type JobContextStore struct {
	client *HTTPClient
}

func NewJobContextStore(client *HTTPClient) *JobContextStore {
	return &JobContextStore{client: client}
}

func jobContextPath(jobID, key string) string {
	return "/jobs/" + url.PathEscape(jobID) + "/context/" + url.PathEscape(key)
}

func (s *JobContextStore) Get(ctx context.Context, jobID, key string) (string, bool, error) {
	var out struct {
		Value *string `json:"value"`
	}
	err := s.client.doJSON(ctx, http.MethodGet, jobContextPath(jobID, key), nil, &out)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if out.Value == nil {
		return "", false, nil
	}
	return *out.Value, true, nil
}

func (s *JobContextStore) Set(ctx context.Context, jobID, key, value string) error {
	body := map[string]string{"value": value}
	return s.client.doJSON(ctx, http.MethodPut, jobContextPath(jobID, key), body, nil)
}

func (s *JobContextStore) Delete(ctx context.Context, jobID, key string) error {
	err := s.client.doJSON(ctx, http.MethodDelete, jobContextPath(jobID, key), nil, nil)
	if err != nil && errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
