package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CRMObject is an object in the external CRM: its id plus a flat property
// bag using the external property names.
type CRMObject struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// CRMClient is the gateway to the external CRM's object API. Upsert updates
// when externalID is non-empty and creates otherwise; the caller never makes
// that choice. All failures propagate unchanged; retry policy beyond the
// transport-level backoff below belongs to a higher layer.
type CRMClient interface {
	FetchContact(ctx context.Context, externalID string) (CRMObject, error)
	FetchCompany(ctx context.Context, externalID string) (CRMObject, error)
	UpsertContact(ctx context.Context, externalID string, properties map[string]string) (CRMObject, error)
	UpsertCompany(ctx context.Context, externalID string, properties map[string]string) (CRMObject, error)
}

// RemoteError is a non-2xx answer from the external CRM.
type RemoteError struct {
	StatusCode int
	Category   string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("crm request failed: status=%d category=%s message=%s", e.StatusCode, e.Category, e.Message)
	}
	return fmt.Sprintf("crm request failed: status=%d message=%s", e.StatusCode, e.Message)
}

type HTTPCRMClientOptions struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type HTTPCRMClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewHTTPCRMClient(opts HTTPCRMClientOptions) *HTTPCRMClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.hubapi.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPCRMClient{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(opts.AccessToken),
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Configured reports whether an access token is present. Callers surface a
// missing token as a startup warning; every request still re-checks and
// fails hard.
func (c *HTTPCRMClient) Configured() bool {
	return c != nil && c.accessToken != ""
}

func (c *HTTPCRMClient) FetchContact(ctx context.Context, externalID string) (CRMObject, error) {
	return c.fetchObject(ctx, "contacts", externalID)
}

func (c *HTTPCRMClient) FetchCompany(ctx context.Context, externalID string) (CRMObject, error) {
	return c.fetchObject(ctx, "companies", externalID)
}

func (c *HTTPCRMClient) UpsertContact(ctx context.Context, externalID string, properties map[string]string) (CRMObject, error) {
	return c.upsertObject(ctx, "contacts", externalID, properties)
}

func (c *HTTPCRMClient) UpsertCompany(ctx context.Context, externalID string, properties map[string]string) (CRMObject, error) {
	return c.upsertObject(ctx, "companies", externalID, properties)
}

func (c *HTTPCRMClient) fetchObject(ctx context.Context, objectType, externalID string) (CRMObject, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return CRMObject{}, ErrInvalidInput
	}
	path := fmt.Sprintf("/crm/v3/objects/%s/%s", objectType, url.PathEscape(externalID))
	var out CRMObject
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return CRMObject{}, err
	}
	return out, nil
}

func (c *HTTPCRMClient) upsertObject(ctx context.Context, objectType, externalID string, properties map[string]string) (CRMObject, error) {
	body := map[string]any{"properties": properties}
	method := http.MethodPost
	path := fmt.Sprintf("/crm/v3/objects/%s", objectType)
	if externalID = strings.TrimSpace(externalID); externalID != "" {
		method = http.MethodPatch
		path = fmt.Sprintf("/crm/v3/objects/%s/%s", objectType, url.PathEscape(externalID))
	}
	var out CRMObject
	if err := c.doJSON(ctx, method, path, body, &out); err != nil {
		return CRMObject{}, err
	}
	return out, nil
}

func (c *HTTPCRMClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return fmt.Errorf("crm client is nil")
	}
	if c.accessToken == "" {
		return fmt.Errorf("%w: crm access token is missing", ErrNotConfigured)
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		remoteErr := &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if category, ok := parsed["category"].(string); ok {
				remoteErr.Category = category
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				remoteErr.Message = message
			}
		}
		return remoteErr
	}
}

func (c *HTTPCRMClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
