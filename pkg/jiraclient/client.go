// Package jiraclient is a thin, typed wrapper around the JIRA REST API
// surface this engine consumes: JQL search with paging, single-issue
// get, and the two sanity-check endpoints. Every call retries with
// backoff; search pages retry independently so one bad page does not
// discard the rest.
package jiraclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/practo/klog/v2"
	"github.com/practo/larksync/pkg/retry"
)

// Issue is the opaque JIRA issue envelope. The core only ever reads
// "key" and "fields.updated" directly; everything else is passed
// through to the field processor untouched.
type Issue map[string]interface{}

// Key returns the issue's top-level key (e.g. "TP-3153"), or "" if absent.
func (i Issue) Key() string {
	if v, ok := i["key"].(string); ok {
		return v
	}
	return ""
}

// Fields returns the issue's "fields" object, or nil if absent/malformed.
func (i Issue) Fields() map[string]interface{} {
	if v, ok := i["fields"].(map[string]interface{}); ok {
		return v
	}
	return nil
}

// Updated returns fields.updated as a raw string, or "" if absent.
func (i Issue) Updated() string {
	fields := i.Fields()
	if fields == nil {
		return ""
	}
	if v, ok := fields["updated"].(string); ok {
		return v
	}
	return ""
}

type searchResponse struct {
	Issues     []Issue `json:"issues"`
	Total      int     `json:"total"`
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
}

// DataIncompleteError is raised when a search's advertised total and
// the actually-collected issue count disagree after all retries.
// The workflow must abort without writing to ProcessingLog on this error.
type DataIncompleteError struct {
	JQL           string
	Expected      int
	Collected     int
	FailedOffsets []int
}

func (e *DataIncompleteError) Error() string {
	return fmt.Sprintf(
		"jira search incomplete for jql=%q: expected %d issues, collected %d (failed offsets: %v)",
		e.JQL, e.Expected, e.Collected, e.FailedOffsets,
	)
}

// Client is a JIRA REST API client using HTTP Basic authentication.
type Client struct {
	serverURL  string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient constructs a JIRA client. timeout is the per-request HTTP
// timeout, defaulting to 30s; a context deadline on a call can shorten
// a request's budget but not extend it past timeout.
func NewClient(serverURL, username, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		username:  username,
		password:  password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jira API error (status %d): %s", resp.StatusCode, string(body))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// Myself is a sanity check against GET /rest/api/2/myself.
func (c *Client) Myself(ctx context.Context) error {
	return retry.Do(ctx, func(int) error {
		return c.doRequest(ctx, http.MethodGet, "/rest/api/2/myself", nil)
	})
}

// ServerInfo probes GET /rest/api/2/serverInfo.
func (c *Client) ServerInfo(ctx context.Context) (map[string]interface{}, error) {
	var info map[string]interface{}
	err := retry.Do(ctx, func(int) error {
		return c.doRequest(ctx, http.MethodGet, "/rest/api/2/serverInfo", &info)
	})
	return info, err
}

// GetIssue fetches a single issue by key, restricted to fields.
func (c *Client) GetIssue(ctx context.Context, key string, fields []string) (Issue, error) {
	path := fmt.Sprintf("/rest/api/2/issue/%s?fields=%s", key, strings.Join(fields, ","))
	var issue Issue
	err := retry.Do(ctx, func(int) error {
		return c.doRequest(ctx, http.MethodGet, path, &issue)
	})
	return issue, err
}

// Search runs a JQL query, paging through results with maxResults per
// page, retrying each page independently, and raising
// DataIncompleteError if the advertised total cannot be reconciled
// with what was actually collected after retries.
func (c *Client) Search(ctx context.Context, jql string, fields []string, maxResults int) ([]Issue, error) {
	if maxResults <= 0 {
		maxResults = 1000
	}
	fieldsParam := strings.Join(fields, ",")

	var all []Issue
	var failedOffsets []int
	startAt := 0
	total := -1

	for total < 0 || startAt < total {
		page := startAt
		var resp searchResponse
		err := retry.Do(ctx, func(int) error {
			path := fmt.Sprintf(
				"/rest/api/2/search?jql=%s&fields=%s&startAt=%d&maxResults=%d",
				url.QueryEscape(jql), fieldsParam, page, maxResults,
			)
			return c.doRequest(ctx, http.MethodGet, path, &resp)
		})
		if err != nil {
			klog.Errorf("jira search page startAt=%d failed after retries: %v", page, err)
			failedOffsets = append(failedOffsets, page)
			startAt += maxResults
			if total < 0 {
				// we never learned the real total; stop paging, the
				// caller will see a data-incomplete error either way.
				total = startAt
			}
			continue
		}

		if total < 0 {
			total = resp.Total
		}
		all = append(all, resp.Issues...)
		if len(resp.Issues) == 0 {
			break
		}
		startAt += len(resp.Issues)
	}

	if len(failedOffsets) > 0 || (total >= 0 && len(all) != total) {
		return all, &DataIncompleteError{
			JQL:           jql,
			Expected:      total,
			Collected:     len(all),
			FailedOffsets: failedOffsets,
		}
	}

	return all, nil
}

// SearchByKeys fetches issues via a `key IN (...)` query, batching in
// groups of batchSize to stay clear of URI length limits. Batch
// failures are logged and skipped.
func (c *Client) SearchByKeys(ctx context.Context, keys []string, fields []string, batchSize int) ([]Issue, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	var all []Issue
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		quoted := make([]string, len(batch))
		for i, k := range batch {
			quoted[i] = strconv.Quote(k)
		}
		jql := fmt.Sprintf("key IN (%s)", strings.Join(quoted, ","))

		issues, err := c.Search(ctx, jql, fields, len(batch))
		if err != nil {
			klog.Errorf("jira key-batch search failed for batch starting at %d: %v", start, err)
			continue
		}
		all = append(all, issues...)
	}
	return all, nil
}
