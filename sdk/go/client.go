package tradeloopsdk

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

// Client is a minimal Tradeloop operator API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// EntryInfo is what a filename says about an entry.
type EntryInfo struct {
	Filename  string `json:"filename"`
	ID        string `json:"id"`
	Host      string `json:"host"`
	Timestamp string `json:"timestamp"`
	Flags     string `json:"flags"`
}

// Entry is a stored entry plus its location and flags.
type Entry struct {
	Filename  string         `json:"filename"`
	Location  string         `json:"location"`
	Flags     string         `json:"flags"`
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Source    string         `json:"source"`
	CreatedAt string         `json:"created_at"`
	Payload   map[string]any `json:"payload"`
	Metadata  *struct {
		Keywords []string `json:"keywords,omitempty"`
		Summary  string   `json:"summary,omitempty"`
		Tags     []string `json:"tags,omitempty"`
	} `json:"metadata,omitempty"`
}

// Status combines store counts and, when a loop is attached, its state.
type Status struct {
	Counts map[string]int `json:"counts"`
	Daemon *struct {
		State           string  `json:"state"`
		IntervalSeconds int     `json:"interval_seconds"`
		Cycles          int     `json:"cycles"`
		LastCycleMS     float64 `json:"last_cycle_ms"`
		LastCycleError  string  `json:"last_cycle_error,omitempty"`
		LastHealthOK    bool    `json:"last_health_ok"`
	} `json:"daemon,omitempty"`
}

// PaginatedEntries wraps list responses with cursors.
type PaginatedEntries struct {
	Items      []EntryInfo `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// QueryParams filter archived entries; zero values are ignored.
type QueryParams struct {
	Since    time.Time
	Until    time.Time
	Include  string
	Exclude  string
	Keywords []string
	Limit    int
}

type PruneResult struct {
	ByAge   int `json:"by_age"`
	ByCount int `json:"by_count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// EntriesPage lists one page of filenames in location, oldest first.
func (c *Client) EntriesPage(ctx context.Context, location string, limit int, cursor string) (PaginatedEntries, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	endpoint := "entries/" + url.PathEscape(location)
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEntries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Entries walks every page of location.
func (c *Client) Entries(ctx context.Context, location string) ([]EntryInfo, error) {
	var out []EntryInfo
	cursor := ""
	for {
		page, err := c.EntriesPage(ctx, location, 0, cursor)
		if err != nil {
			return out, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) GetEntry(ctx context.Context, location, filename string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, "entries/"+url.PathEscape(location)+"/"+url.PathEscape(filename), nil, &resp)
	return resp, err
}

// Query returns archived entries, newest first.
func (c *Client) Query(ctx context.Context, p QueryParams) ([]EntryInfo, error) {
	v := url.Values{}
	if !p.Since.IsZero() {
		v.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if !p.Until.IsZero() {
		v.Set("until", p.Until.UTC().Format(time.RFC3339))
	}
	if p.Include != "" {
		v.Set("include", p.Include)
	}
	if p.Exclude != "" {
		v.Set("exclude", p.Exclude)
	}
	if len(p.Keywords) > 0 {
		v.Set("keywords", strings.Join(p.Keywords, ","))
	}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	endpoint := "query"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp struct {
		Items []EntryInfo `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateFlags returns the entry's new filename.
func (c *Client) UpdateFlags(ctx context.Context, filename, add, remove string) (string, error) {
	body := map[string]any{
		"filename": filename,
		"add":      add,
		"remove":   remove,
	}
	var resp struct {
		Filename string `json:"filename"`
	}
	err := c.do(ctx, http.MethodPost, "flags", body, &resp)
	return resp.Filename, err
}

// Prune applies the server's configured limits, overridden by any non-nil argument.
func (c *Client) Prune(ctx context.Context, maxAgeDays, maxCount *int) (PruneResult, error) {
	body := map[string]any{}
	if maxAgeDays != nil {
		body["max_age_days"] = *maxAgeDays
	}
	if maxCount != nil {
		body["max_count"] = *maxCount
	}
	var resp PruneResult
	err := c.do(ctx, http.MethodPost, "prune", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
