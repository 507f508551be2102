package ticketing

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

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	if e.Resource == "" {
		return "record not found"
	}
	return fmt.Sprintf("record not found: %s", e.Resource)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client is the surface of the external ticketing system the sync job
// consumes. A zero time filter means unfiltered.
type Client interface {
	GetTickets(ctx context.Context, numbers []string, since time.Time) ([]TicketRecord, error)
	GetComments(ctx context.Context, ticketSysID string, since time.Time) ([]Comment, error)
	GetAttachments(ctx context.Context, ticketSysID string, since time.Time) ([]Attachment, error)
	GetAttachmentContent(ctx context.Context, downloadLink string) ([]byte, error)
	AddComment(ctx context.Context, ticketNumber, text string) error
	AddAttachment(ctx context.Context, ticketSysID, name string, content io.Reader, contentType string) error
	GetRelatedLink(ctx context.Context, link string) (map[string]any, error)
	GetAffectedResources(ctx context.Context, ticketSysIDs []string) ([]AffectedResource, error)
	GetAffectedResourceDetails(ctx context.Context, sysIDs []string, since time.Time) ([]ResourceRecord, error)
}

// timeFilterFormat is the ticketing system's query timestamp layout, UTC.
const timeFilterFormat = "2006-01-02 15:04:05"

const (
	defaultTicketTable  = "incident"
	resourceLinkTable   = "task_ci"
	resourceDetailTable = "cmdb_ci"
	journalTable        = "sys_journal_field"
)

type HTTPClient struct {
	apiRoot     string
	username    string
	password    string
	ticketTable string
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	newID       func() string
}

type HTTPClientOptions struct {
	TicketTable string
	HTTPClient  *http.Client
}

func NewHTTPClient(apiRoot, username, password string, opts HTTPClientOptions) (*HTTPClient, error) {
	apiRoot = strings.TrimRight(strings.TrimSpace(apiRoot), "/")
	if apiRoot == "" {
		return nil, fmt.Errorf("api root is required")
	}
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	table := strings.TrimSpace(opts.TicketTable)
	if table == "" {
		table = defaultTicketTable
	}
	return &HTTPClient{
		apiRoot:     apiRoot,
		username:    username,
		password:    password,
		ticketTable: table,
		httpClient:  httpClient,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
		newID:       uuid.NewString,
	}, nil
}

func (c *HTTPClient) GetTickets(ctx context.Context, numbers []string, since time.Time) ([]TicketRecord, error) {
	var queryParts []string
	if len(numbers) > 0 {
		fragments := make([]string, 0, len(numbers))
		for _, number := range numbers {
			fragments = append(fragments, "number="+number)
		}
		queryParts = append(queryParts, strings.Join(fragments, "^OR"))
	}
	if !since.IsZero() {
		stamp := since.UTC().Format(timeFilterFormat)
		queryParts = append(queryParts, fmt.Sprintf("sys_updated_on>=%s^ORsys_created_on>=%s", stamp, stamp))
	}
	q := url.Values{}
	if len(queryParts) > 0 {
		q.Set("sysparm_query", strings.Join(queryParts, "^"))
	}
	q.Set("sysparm_display_value", "true")

	var out struct {
		Result []map[string]any `json:"result"`
	}
	path := fmt.Sprintf("/table/%s?%s", url.PathEscape(c.ticketTable), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	records := make([]TicketRecord, 0, len(out.Result))
	for _, raw := range out.Result {
		records = append(records, TicketRecord{
			Number: stringField(raw, "number"),
			SysID:  stringField(raw, "sys_id"),
			Raw:    raw,
		})
	}
	return records, nil
}

func (c *HTTPClient) GetComments(ctx context.Context, ticketSysID string, since time.Time) ([]Comment, error) {
	q := url.Values{}
	q.Set("element_id", ticketSysID)
	q.Set("sysparm_query", "ORDERBYDESCsys_created_on^sys_created_on>="+since.UTC().Format(timeFilterFormat))

	var out struct {
		Result []map[string]any `json:"result"`
	}
	path := fmt.Sprintf("/table/%s?%s", journalTable, q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(out.Result))
	for _, raw := range out.Result {
		comments = append(comments, Comment{
			SysID:     stringField(raw, "sys_id"),
			Value:     stringField(raw, "value"),
			CreatedOn: parseTimeField(raw, "sys_created_on"),
			Raw:       raw,
		})
	}
	return comments, nil
}

func (c *HTTPClient) GetAttachments(ctx context.Context, ticketSysID string, since time.Time) ([]Attachment, error) {
	q := url.Values{}
	q.Set("table_name", c.ticketTable)
	q.Set("table_sys_id", ticketSysID)
	q.Set("sysparm_query", "ORDERBYDESCsys_created_on^sys_created_on>="+since.UTC().Format(timeFilterFormat))

	var out struct {
		Result []map[string]any `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/attachment?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	attachments := make([]Attachment, 0, len(out.Result))
	for _, raw := range out.Result {
		attachments = append(attachments, Attachment{
			SysID:        stringField(raw, "sys_id"),
			FileName:     stringField(raw, "file_name"),
			ContentType:  stringField(raw, "content_type"),
			DownloadLink: stringField(raw, "download_link"),
			CreatedOn:    parseTimeField(raw, "sys_created_on"),
		})
	}
	return attachments, nil
}

func (c *HTTPClient) GetAttachmentContent(ctx context.Context, downloadLink string) ([]byte, error) {
	return c.doBytes(ctx, http.MethodGet, downloadLink, nil, "")
}

func (c *HTTPClient) AddComment(ctx context.Context, ticketNumber, text string) error {
	body := map[string]any{"comments": text}
	path := fmt.Sprintf("/table/%s/%s", url.PathEscape(c.ticketTable), url.PathEscape(ticketNumber))
	return c.doJSON(ctx, http.MethodPatch, path, "", body, nil)
}

func (c *HTTPClient) AddAttachment(ctx context.Context, ticketSysID, name string, content io.Reader, contentType string) error {
	payload, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	q := url.Values{}
	q.Set("table_name", c.ticketTable)
	q.Set("table_sys_id", ticketSysID)
	q.Set("file_name", name)
	_, err = c.doBytes(ctx, http.MethodPost, c.apiRoot+"/attachment/file?"+q.Encode(), payload, contentType)
	return err
}

func (c *HTTPClient) GetRelatedLink(ctx context.Context, link string) (map[string]any, error) {
	separator := "?"
	if strings.Contains(link, "?") {
		separator = "&"
	}
	var out struct {
		Result map[string]any `json:"result"`
	}
	if err := c.doJSONAbsolute(ctx, http.MethodGet, link+separator+"sysparm_display_value=true", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (c *HTTPClient) GetAffectedResources(ctx context.Context, ticketSysIDs []string) ([]AffectedResource, error) {
	q := url.Values{}
	q.Set("sysparm_query", "taskIN"+strings.Join(ticketSysIDs, ","))

	var out struct {
		Result []map[string]any `json:"result"`
	}
	path := fmt.Sprintf("/table/%s?%s", resourceLinkTable, q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	resources := make([]AffectedResource, 0, len(out.Result))
	for _, raw := range out.Result {
		resources = append(resources, AffectedResource{
			SysID:       stringField(raw, "ci_item"),
			TicketSysID: stringField(raw, "task"),
			Raw:         raw,
		})
	}
	return resources, nil
}

func (c *HTTPClient) GetAffectedResourceDetails(ctx context.Context, sysIDs []string, since time.Time) ([]ResourceRecord, error) {
	query := "sys_idIN" + strings.Join(sysIDs, ",")
	if !since.IsZero() {
		query += "^sys_updated_on>=" + since.UTC().Format(timeFilterFormat)
	}
	q := url.Values{}
	q.Set("sysparm_query", query)
	q.Set("sysparm_display_value", "true")

	var out struct {
		Result []map[string]any `json:"result"`
	}
	path := fmt.Sprintf("/table/%s?%s", resourceDetailTable, q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	records := make([]ResourceRecord, 0, len(out.Result))
	for _, raw := range out.Result {
		records = append(records, ResourceRecord{
			SysID: stringField(raw, "sys_id"),
			Name:  stringField(raw, "name"),
			Raw:   raw,
		})
	}
	return records, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, contentType string, body, out any) error {
	return c.doJSONAbsolute(ctx, method, c.apiRoot+requestPath, contentType, body, out)
}

func (c *HTTPClient) doJSONAbsolute(ctx context.Context, method, requestURL, contentType string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}
	payload, err := c.do(ctx, method, requestURL, bodyBytes, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *HTTPClient) doBytes(ctx context.Context, method, requestURL string, body []byte, contentType string) ([]byte, error) {
	return c.do(ctx, method, requestURL, body, contentType)
}

func (c *HTTPClient) do(ctx context.Context, method, requestURL string, bodyBytes []byte, contentType string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", c.newID())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payloadBytes, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Error struct {
				Message string `json:"message"`
				Detail  string `json:"detail"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusNotFound {
			return nil, &NotFoundError{Resource: errPayload.Error.Message}
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error.Message,
			Message:    errPayload.Error.Detail,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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

func parseTimeField(raw map[string]any, key string) time.Time {
	value := stringField(raw, key)
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(timeFilterFormat, value)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
