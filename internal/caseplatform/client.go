package caseplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("case platform: http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// CaseClient is the surface of the case-management platform the sync job
// consumes.
type CaseClient interface {
	GetCaseIDsByFilter(ctx context.Context, filter CaseFilter) ([]string, error)
	GetCaseOverview(ctx context.Context, caseID string) (*CaseOverview, error)
	GetContextProperty(ctx context.Context, scope ContextScope, identifier, key string) (string, bool, error)
	AddComment(ctx context.Context, caseID, text string) error
	FetchCaseComments(ctx context.Context, caseID string, since time.Time) ([]CaseComment, error)
	GetCaseAttachments(ctx context.Context, caseID string) ([]CaseAttachment, error)
	GetCaseAttachmentContent(ctx context.Context, attachmentID string) ([]byte, error)
	SaveAttachmentToCase(ctx context.Context, caseID, name, fileType string, content io.Reader) error
}

type HTTPClient struct {
	apiRoot    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	newID      func() string
}

func NewHTTPClient(apiRoot, apiKey string, httpClient *http.Client) (*HTTPClient, error) {
	apiRoot = strings.TrimRight(strings.TrimSpace(apiRoot), "/")
	if apiRoot == "" {
		return nil, fmt.Errorf("api root is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		apiRoot:    apiRoot,
		apiKey:     apiKey,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		newID:      uuid.NewString,
	}, nil
}

type caseFilterRequest struct {
	Statuses      []string `json:"statuses,omitempty"`
	Tag           string   `json:"tag,omitempty"`
	UpdatedFromMs int64    `json:"updatedFromMs,omitempty"`
	SortOrder     string   `json:"sortOrder,omitempty"`
	MaxResults    int      `json:"maxResults,omitempty"`
}

func (c *HTTPClient) GetCaseIDsByFilter(ctx context.Context, filter CaseFilter) ([]string, error) {
	req := caseFilterRequest{
		Statuses:   filter.Statuses,
		Tag:        filter.Tag,
		MaxResults: filter.MaxResults,
	}
	if !filter.UpdatedFrom.IsZero() {
		req.UpdatedFromMs = filter.UpdatedFrom.UnixMilli()
	}
	if filter.SortAscending {
		req.SortOrder = "asc"
	}
	var out struct {
		CaseIDs []string `json:"caseIds"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/cases/search", req, &out); err != nil {
		return nil, err
	}
	return out.CaseIDs, nil
}

type caseOverviewPayload struct {
	ID                 string   `json:"id"`
	Status             string   `json:"status"`
	Tags               []string `json:"tags"`
	StartTimeMs        int64    `json:"startTimeMs"`
	ModificationTimeMs int64    `json:"modificationTimeMs"`
	Alerts             []struct {
		ID         string `json:"id"`
		Identifier string `json:"identifier"`
		GroupID    string `json:"groupId"`
	} `json:"alerts"`
}

func (c *HTTPClient) GetCaseOverview(ctx context.Context, caseID string) (*CaseOverview, error) {
	var payload caseOverviewPayload
	if err := c.doJSON(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID), nil, &payload); err != nil {
		return nil, err
	}
	overview := &CaseOverview{
		ID:               payload.ID,
		Status:           payload.Status,
		Tags:             payload.Tags,
		StartTime:        time.UnixMilli(payload.StartTimeMs).UTC(),
		ModificationTime: time.UnixMilli(payload.ModificationTimeMs).UTC(),
	}
	for _, alert := range payload.Alerts {
		overview.Alerts = append(overview.Alerts, AlertOverview{
			ID:         alert.ID,
			Identifier: alert.Identifier,
			GroupID:    alert.GroupID,
		})
	}
	return overview, nil
}

func (c *HTTPClient) GetContextProperty(ctx context.Context, scope ContextScope, identifier, key string) (string, bool, error) {
	path := fmt.Sprintf("/context/%s/%s/%s", scope, url.PathEscape(identifier), url.PathEscape(key))
	var out struct {
		Value *string `json:"value"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
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

func (c *HTTPClient) AddComment(ctx context.Context, caseID, text string) error {
	body := map[string]string{"comment": text}
	return c.doJSON(ctx, http.MethodPost, "/cases/"+url.PathEscape(caseID)+"/comments", body, nil)
}

func (c *HTTPClient) FetchCaseComments(ctx context.Context, caseID string, since time.Time) ([]CaseComment, error) {
	path := "/cases/" + url.PathEscape(caseID) + "/comments"
	if !since.IsZero() {
		path += "?fromMs=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	var out struct {
		Comments []struct {
			ID          string `json:"id"`
			Comment     string `json:"comment"`
			CreatedAtMs int64  `json:"createdAtMs"`
		} `json:"comments"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	comments := make([]CaseComment, 0, len(out.Comments))
	for _, item := range out.Comments {
		comments = append(comments, CaseComment{
			ID:        item.ID,
			CaseID:    caseID,
			Text:      item.Comment,
			CreatedAt: time.UnixMilli(item.CreatedAtMs).UTC(),
		})
	}
	return comments, nil
}

func (c *HTTPClient) GetCaseAttachments(ctx context.Context, caseID string) ([]CaseAttachment, error) {
	var out struct {
		Attachments []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			FileType    string `json:"fileType"`
			CreatedAtMs int64  `json:"createdAtMs"`
		} `json:"attachments"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID)+"/attachments", nil, &out); err != nil {
		return nil, err
	}
	attachments := make([]CaseAttachment, 0, len(out.Attachments))
	for _, item := range out.Attachments {
		attachments = append(attachments, CaseAttachment{
			ID:        item.ID,
			Name:      item.Name,
			FileType:  item.FileType,
			CreatedAt: time.UnixMilli(item.CreatedAtMs).UTC(),
		})
	}
	return attachments, nil
}

func (c *HTTPClient) GetCaseAttachmentContent(ctx context.Context, attachmentID string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/attachments/"+url.PathEscape(attachmentID)+"/content", nil, "")
}

func (c *HTTPClient) SaveAttachmentToCase(ctx context.Context, caseID, name, fileType string, content io.Reader) error {
	payload, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("name", name)
	q.Set("fileType", fileType)
	path := "/cases/" + url.PathEscape(caseID) + "/attachments?" + q.Encode()
	_, err = c.doRaw(ctx, http.MethodPost, path, payload, "application/octet-stream")
	return err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	payload, err := c.doRaw(ctx, method, path, bodyBytes, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *HTTPClient) doRaw(ctx context.Context, method, path string, bodyBytes []byte, contentType string) ([]byte, error) {
	requestURL := c.apiRoot + path
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("AppKey", c.apiKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", c.newID())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := c.wait(ctx, attempt+1, ""); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := c.wait(ctx, attempt+1, resp.Header.Get("Retry-After")); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payload))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errPayload.Message}
	}
}

func (c *HTTPClient) wait(ctx context.Context, attempt int, retryAfterHeader string) error {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			delay = time.Duration(seconds) * time.Second
		}
	} else {
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
