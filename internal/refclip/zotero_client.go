package refclip

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

type ZoteroClientOptions struct {
	BaseURL       string
	UserID        string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// ZoteroClient is the bibliographic backend client. It speaks the Zotero
// Web API: versioned writes, a two-phase hash-keyed file upload, and note
// children for annotations.
type ZoteroClient struct {
	baseURL       string
	userID        string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewZoteroClient(opts ZoteroClientOptions) *ZoteroClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.zotero.org"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "3"
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
	return &ZoteroClient{
		baseURL:       baseURL,
		userID:        strings.TrimSpace(opts.UserID),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *ZoteroClient) Backend() BackendID {
	return BackendZotero
}

func (c *ZoteroClient) SupportsAnnotations() bool {
	return true
}

type zoteroItem struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Data    struct {
		Key         string   `json:"key"`
		ItemType    string   `json:"itemType"`
		Title       string   `json:"title"`
		URL         string   `json:"url"`
		Collections []string `json:"collections"`
		DateAdded   string   `json:"dateAdded"`
		LinkMode    string   `json:"linkMode"`
	} `json:"data"`
}

func (c *ZoteroClient) FindItemByURL(ctx context.Context, pageURL string) (*Item, error) {
	query := url.Values{}
	query.Set("q", pageURL)
	query.Set("qmode", "everything")
	query.Set("itemType", "webpage")
	body, _, err := c.doRequest(ctx, http.MethodGet, c.userPath("/items")+"?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	var items []zoteroItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	for _, it := range items {
		if NormalizeURL(it.Data.URL) == NormalizeURL(pageURL) {
			return zoteroToItem(it), nil
		}
	}
	return nil, nil
}

func (c *ZoteroClient) CreateItem(ctx context.Context, pageURL, title string, projects []string) (*Item, error) {
	payload := []map[string]any{{
		"itemType":    "webpage",
		"title":       title,
		"url":         pageURL,
		"collections": projects,
		"accessDate":  time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}}
	body, _, err := c.doRequest(ctx, http.MethodPost, c.userPath("/items"), payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteCreateFailed, err)
	}
	var result struct {
		Successful map[string]zoteroItem `json:"successful"`
		Failed     map[string]struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"failed"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	for _, it := range result.Successful {
		return zoteroToItem(it), nil
	}
	for _, failure := range result.Failed {
		return nil, fmt.Errorf("%w: %s", ErrRemoteCreateFailed, failure.Message)
	}
	return nil, fmt.Errorf("%w: empty create response", ErrRemoteCreateFailed)
}

func (c *ZoteroClient) GetItem(ctx context.Context, key string) (*Item, error) {
	body, _, err := c.doRequest(ctx, http.MethodGet, c.userPath("/items/"+key), nil, nil)
	if err != nil {
		var httpErr *HTTPError
		if asHTTPError(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	var it zoteroItem
	if err := json.Unmarshal(body, &it); err != nil {
		return nil, err
	}
	return zoteroToItem(it), nil
}

func (c *ZoteroClient) ListChildSnapshots(ctx context.Context, itemKey string) ([]Snapshot, error) {
	query := url.Values{}
	query.Set("itemType", "attachment")
	body, _, err := c.doRequest(ctx, http.MethodGet, c.userPath("/items/"+itemKey+"/children")+"?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	var items []zoteroItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(items))
	for _, it := range items {
		added, _ := time.Parse(time.RFC3339, it.Data.DateAdded)
		snapshots = append(snapshots, Snapshot{
			Key:     it.Key,
			Title:   it.Data.Title,
			URL:     it.Data.URL,
			AddedAt: added,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].AddedAt.After(snapshots[j].AddedAt) })
	return snapshots, nil
}

func (c *ZoteroClient) CreateChildAttachment(ctx context.Context, itemKey, pageURL, title string) (*Attachment, error) {
	payload := []map[string]any{{
		"itemType":    "attachment",
		"linkMode":    "imported_url",
		"parentItem":  itemKey,
		"title":       title,
		"url":         pageURL,
		"contentType": "text/html",
	}}
	body, _, err := c.doRequest(ctx, http.MethodPost, c.userPath("/items"), payload, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Successful map[string]zoteroItem `json:"successful"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	for _, it := range result.Successful {
		return &Attachment{Key: it.Key, Version: fmt.Sprintf("%d", it.Version)}, nil
	}
	return nil, fmt.Errorf("%w: empty attachment response", ErrRemoteCreateFailed)
}

// UploadBinary follows the Zotero two-phase protocol: authorize the upload,
// then transfer bytes and register. The file API keys authorization on an
// MD5 of the content, computed here; the caller's contentHash is the
// cross-backend idempotence key and is not what this protocol wants. The
// authorize step replies {"exists":1} for content the server already holds,
// which counts as success — that is what makes the operation idempotent.
func (c *ZoteroClient) UploadBinary(ctx context.Context, attachmentKey string, data []byte, filename, contentHash string) error {
	sum := md5.Sum(data)
	form := url.Values{}
	form.Set("md5", hex.EncodeToString(sum[:]))
	form.Set("filename", filename)
	form.Set("filesize", fmt.Sprintf("%d", len(data)))
	form.Set("mtime", fmt.Sprintf("%d", time.Now().UnixMilli()))
	headers := map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded",
		"If-None-Match": "*",
	}
	body, _, err := c.doRequest(ctx, http.MethodPost, c.userPath("/items/"+attachmentKey+"/file"), form.Encode(), headers)
	if err != nil {
		return fmt.Errorf("%w: authorize: %v", ErrUploadFailed, err)
	}
	var auth struct {
		Exists    int    `json:"exists"`
		URL       string `json:"url"`
		UploadKey string `json:"uploadKey"`
		Prefix    string `json:"prefix"`
		Suffix    string `json:"suffix"`
	}
	if err := json.Unmarshal(body, &auth); err != nil {
		return fmt.Errorf("%w: authorize: %v", ErrUploadFailed, err)
	}
	if auth.Exists == 1 {
		return nil
	}

	var upload bytes.Buffer
	upload.WriteString(auth.Prefix)
	upload.Write(data)
	upload.WriteString(auth.Suffix)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.URL, &upload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: transfer: %v", ErrUploadFailed, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: transfer status %d", ErrUploadFailed, resp.StatusCode)
	}

	register := url.Values{}
	register.Set("upload", auth.UploadKey)
	if _, _, err := c.doRequest(ctx, http.MethodPost, c.userPath("/items/"+attachmentKey+"/file"), register.Encode(), map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded",
		"If-None-Match": "*",
	}); err != nil {
		return fmt.Errorf("%w: register: %v", ErrUploadFailed, err)
	}
	return nil
}

func (c *ZoteroClient) CreateAnnotationComment(ctx context.Context, parentKey, text, comment string, color HighlightColor, position Position) (string, error) {
	note := "<p>" + htmlEscape(text) + "</p>"
	if comment != "" {
		note += "<blockquote>" + htmlEscape(comment) + "</blockquote>"
	}
	positionJSON, _ := json.Marshal(position)
	payload := []map[string]any{{
		"itemType":   "note",
		"parentItem": parentKey,
		"note":       note,
		"tags": []map[string]string{
			{"tag": "refclip:color:" + string(color)},
			{"tag": "refclip:position:" + string(positionJSON)},
		},
	}}
	body, _, err := c.doRequest(ctx, http.MethodPost, c.userPath("/items"), payload, nil)
	if err != nil {
		return "", err
	}
	var result struct {
		Successful map[string]zoteroItem `json:"successful"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	for _, it := range result.Successful {
		return it.Key, nil
	}
	return "", fmt.Errorf("%w: empty note response", ErrRemoteCreateFailed)
}

func (c *ZoteroClient) ListCollections(ctx context.Context) ([]Collection, error) {
	body, _, err := c.doRequest(ctx, http.MethodGet, c.userPath("/collections"), nil, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Key     string `json:"key"`
		Version int    `json:"version"`
		Data    struct {
			Name             string `json:"name"`
			ParentCollection any    `json:"parentCollection"`
		} `json:"data"`
		Meta struct {
			NumItems int `json:"numItems"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	collections := make([]Collection, 0, len(raw))
	for _, entry := range raw {
		parent := ""
		if s, ok := entry.Data.ParentCollection.(string); ok {
			parent = s
		}
		collections = append(collections, Collection{
			ID:        entry.Key,
			Name:      entry.Data.Name,
			ParentID:  parent,
			ItemCount: entry.Meta.NumItems,
			Version:   fmt.Sprintf("%d", entry.Version),
		})
	}
	return collections, nil
}

func (c *ZoteroClient) userPath(suffix string) string {
	return "/users/" + c.userID + suffix
}

// doRequest sends one API call with bearer auth and bounded retries on 429
// and 5xx, honoring Retry-After like the backend asks.
func (c *ZoteroClient) doRequest(ctx context.Context, method, path string, payload any, headers map[string]string) ([]byte, http.Header, error) {
	if c == nil {
		return nil, nil, fmt.Errorf("zotero client is nil")
	}
	tokenProvider := c.tokenProvider
	if tokenProvider == nil {
		return nil, nil, fmt.Errorf("zotero token provider is required")
	}
	token, err := tokenProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, fmt.Errorf("zotero token is empty")
	}

	var bodyBytes []byte
	contentType := "application/json"
	switch v := payload.(type) {
	case nil:
	case string:
		bodyBytes = []byte(v)
		contentType = ""
	default:
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, nil, err
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
			return nil, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Zotero-API-Version", c.apiVersion)
		if bodyBytes != nil && contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1, "")); waitErr != nil {
					return nil, nil, waitErr
				}
				continue
			}
			return nil, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, resp.Header, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, backoffDelay(c.baseDelay, c.maxDelay, attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, nil, waitErr
			}
			continue
		}
		return nil, nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
}

func zoteroToItem(it zoteroItem) *Item {
	return &Item{
		Key:               it.Key,
		Version:           fmt.Sprintf("%d", it.Version),
		Title:             it.Data.Title,
		ConfirmedProjects: append([]string(nil), it.Data.Collections...),
	}
}

func asHTTPError(err error, target **HTTPError) bool {
	return errors.As(err, target)
}

func htmlEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return replacer.Replace(s)
}
