package refclip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

type AtlosClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// AtlosClient is the incident-tracking backend client. Items are source
// material records filed into incidents; incidents play the role of
// projects. The backend holds no annotations.
type AtlosClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewAtlosClient(opts AtlosClientOptions) *AtlosClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://platform.atlos.org"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
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
	return &AtlosClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *AtlosClient) Backend() BackendID {
	return BackendAtlos
}

func (c *AtlosClient) SupportsAnnotations() bool {
	return false
}

type atlosSourceMaterial struct {
	ID        string   `json:"id"`
	URL       string   `json:"source_url"`
	Title     string   `json:"description"`
	Incidents []string `json:"incidents"`
	Version   string   `json:"version"`
}

func (c *AtlosClient) FindItemByURL(ctx context.Context, pageURL string) (*Item, error) {
	query := url.Values{}
	query.Set("source_url", pageURL)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v2/source_material?"+query.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		Results []atlosSourceMaterial `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	for _, m := range result.Results {
		if NormalizeURL(m.URL) == NormalizeURL(pageURL) {
			return atlosToItem(m), nil
		}
	}
	return nil, nil
}

func (c *AtlosClient) CreateItem(ctx context.Context, pageURL, title string, projects []string) (*Item, error) {
	if len(projects) == 0 {
		return nil, fmt.Errorf("%w: atlos items require an incident", ErrRemoteCreateFailed)
	}
	payload := map[string]any{
		"source_url":  pageURL,
		"description": title,
		"incidents":   projects,
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v2/source_material/new", payload, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteCreateFailed, err)
	}
	var result struct {
		Result atlosSourceMaterial `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if result.Result.ID == "" {
		return nil, fmt.Errorf("%w: empty create response", ErrRemoteCreateFailed)
	}
	return atlosToItem(result.Result), nil
}

func (c *AtlosClient) GetItem(ctx context.Context, key string) (*Item, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v2/source_material/"+key, nil, "")
	if err != nil {
		var httpErr *HTTPError
		if asHTTPError(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var result struct {
		Result atlosSourceMaterial `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return atlosToItem(result.Result), nil
}

func (c *AtlosClient) ListChildSnapshots(ctx context.Context, itemKey string) ([]Snapshot, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v2/source_material/"+itemKey+"/artifacts", nil, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		Results []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			URL       string `json:"access_url"`
			CreatedAt string `json:"created_at"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(result.Results))
	for _, a := range result.Results {
		created, _ := time.Parse(time.RFC3339, a.CreatedAt)
		snapshots = append(snapshots, Snapshot{Key: a.ID, Title: a.Title, URL: a.URL, AddedAt: created})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].AddedAt.After(snapshots[j].AddedAt) })
	return snapshots, nil
}

func (c *AtlosClient) CreateChildAttachment(ctx context.Context, itemKey, pageURL, title string) (*Attachment, error) {
	payload := map[string]any{
		"title":      title,
		"source_url": pageURL,
		"kind":       "page_snapshot",
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v2/source_material/"+itemKey+"/artifacts/new", payload, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		Result struct {
			ID      string `json:"id"`
			Version string `json:"version"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if result.Result.ID == "" {
		return nil, fmt.Errorf("%w: empty artifact response", ErrRemoteCreateFailed)
	}
	return &Attachment{Key: result.Result.ID, Version: result.Result.Version}, nil
}

// UploadBinary posts the content as multipart form data with its hash. The
// server answers 409 when it already holds the hash, which is a success for
// our purposes.
func (c *AtlosClient) UploadBinary(ctx context.Context, attachmentKey string, data []byte, filename, contentHash string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("hash", contentHash); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/api/v2/source_material/upload/"+attachmentKey, buf.Bytes(), writer.FormDataContentType())
	if err != nil {
		var httpErr *HTTPError
		if asHTTPError(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

func (c *AtlosClient) CreateAnnotationComment(ctx context.Context, parentKey, text, comment string, color HighlightColor, position Position) (string, error) {
	return "", fmt.Errorf("%w: atlos does not hold annotations", ErrNotImplemented)
}

// ListCollections returns the incidents the current token can file material
// into; incidents serve as this backend's projects.
func (c *AtlosClient) ListCollections(ctx context.Context) ([]Collection, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v2/incidents", nil, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		Results []struct {
			Slug        string `json:"slug"`
			Description string `json:"description"`
			SourceCount int    `json:"source_material_count"`
			UpdatedAt   string `json:"updated_at"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	collections := make([]Collection, 0, len(result.Results))
	for _, incident := range result.Results {
		collections = append(collections, Collection{
			ID:         incident.Slug,
			Name:       incident.Description,
			ItemCount:  incident.SourceCount,
			ModifiedAt: incident.UpdatedAt,
		})
	}
	return collections, nil
}

func (c *AtlosClient) doRequest(ctx context.Context, method, path string, payload any, contentType string) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("atlos client is nil")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return nil, fmt.Errorf("atlos token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("atlos token is empty")
	}

	var bodyBytes []byte
	switch v := payload.(type) {
	case nil:
	case []byte:
		bodyBytes = v
	default:
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}

	requestURL := c.baseURL + path
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		message := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		code := ""
		if json.Unmarshal(respBody, &parsed) == nil {
			if v, ok := parsed["error"].(string); ok && v != "" {
				message = v
			}
			if v, ok := parsed["code"].(string); ok {
				code = v
			}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Code: code, Message: message}
	}
}

func atlosToItem(m atlosSourceMaterial) *Item {
	return &Item{
		Key:               m.ID,
		Version:           m.Version,
		Title:             m.Title,
		ConfirmedProjects: append([]string(nil), m.Incidents...),
	}
}
