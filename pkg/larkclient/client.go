// Package larkclient talks to the Lark Base (Bitable) REST API: tenant
// token refresh, wiki-node resolution, field listing, paged record
// scans, and single/batch create-update-delete, plus user lookup by
// email. All responses arrive in Lark's {code,msg,data} envelope; a
// non-zero code is a failure regardless of HTTP status.
package larkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/practo/klog/v2"
	"github.com/practo/larksync/pkg/retry"
)

const defaultBaseURL = "https://open.larksuite.com/open-apis"

// envelope is the {code,msg,data} wrapper every Lark API response uses.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Field describes one column of a Bitable table (GET .../fields item).
type Field struct {
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
	UIType    string `json:"ui_type"`
}

// Record is one Bitable row: an opaque field map plus its record_id.
type Record struct {
	RecordID string                 `json:"record_id"`
	Fields   map[string]interface{} `json:"fields"`
}

// User is a resolved Lark identity.
type User struct {
	UserID string
	Name   string
	Email  string
}

// Client is a Lark Base REST client. One Client is shared across all
// teams/tables configured with the same app_id/app_secret; the
// wiki-token -> obj_token cache and tenant token are both safe for
// concurrent use.
type Client struct {
	appID     string
	appSecret string
	baseURL   string

	httpClient *http.Client

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	objTokenMu sync.Mutex
	objTokens  map[string]string

	userCacheMu sync.Mutex
	userCache   map[string]*User
}

// NewClient constructs a Lark client for the given app credentials.
func NewClient(appID, appSecret string) *Client {
	return &Client{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		objTokens:  make(map[string]string),
		userCache:  make(map[string]*User),
	}
}

// accessTokenFor fetches the tenant_access_token, caching it until 5
// minutes before its advertised expiry so a token never goes stale
// mid-batch.
func (c *Client) accessTokenFor(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	reqBody, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})

	var out struct {
		envelope
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}

	err := retry.Do(ctx, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token request failed, HTTP %d: %s", resp.StatusCode, body)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return err
		}
		if out.Code != 0 {
			return fmt.Errorf("token request failed: %s", out.Msg)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	expire := out.Expire
	if expire <= 0 {
		expire = 7200
	}
	c.accessToken = out.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expire-300) * time.Second)
	return c.accessToken, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	token, err := c.accessTokenFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining access token: %w", err)
	}

	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lark API error (status %d): %s", resp.StatusCode, body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("lark API error: %s (code %d)", env.Msg, env.Code)
	}
	return env.Data, nil
}

// ResolveObjToken resolves a wiki node token to its Bitable app token,
// caching the result; a wiki node's obj_token effectively never
// changes.
func (c *Client) ResolveObjToken(ctx context.Context, wikiToken string) (string, error) {
	c.objTokenMu.Lock()
	if tok, ok := c.objTokens[wikiToken]; ok {
		c.objTokenMu.Unlock()
		return tok, nil
	}
	c.objTokenMu.Unlock()

	var out struct {
		Node struct {
			ObjToken string `json:"obj_token"`
		} `json:"node"`
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/wiki/v2/spaces/get_node?token="+wikiToken, nil)
	if err != nil {
		return "", fmt.Errorf("resolving wiki token: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parsing wiki node response: %w", err)
	}

	c.objTokenMu.Lock()
	c.objTokens[wikiToken] = out.Node.ObjToken
	c.objTokenMu.Unlock()
	return out.Node.ObjToken, nil
}

// ListFields returns a table's field definitions.
func (c *Client) ListFields(ctx context.Context, objToken, tableID string) ([]Field, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/fields", objToken, tableID)
	var out struct {
		Items []Field `json:"items"`
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing fields response: %w", err)
	}
	return out.Items, nil
}

// AvailableFieldNames is the names-only projection of ListFields used
// by the field-name resolution algorithm.
func (c *Client) AvailableFieldNames(ctx context.Context, objToken, tableID string) ([]string, error) {
	fields, err := c.ListFields(ctx, objToken, tableID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.FieldName != "" {
			names = append(names, f.FieldName)
		}
	}
	return names, nil
}

// SprintFieldUIType looks up a single field's ui_type, used by
// batchprocessor to decide the Sprint-field format fallback order
// before the first write attempt of a sync cycle.
func (c *Client) SprintFieldUIType(ctx context.Context, objToken, tableID, fieldName string) string {
	fields, err := c.ListFields(ctx, objToken, tableID)
	if err != nil {
		return ""
	}
	for _, f := range fields {
		if f.FieldName == fieldName {
			return f.UIType
		}
	}
	return ""
}

const maxPageSize = 500

// ListAllRecords performs a full table scan, following page tokens
// until has_more is false.
func (c *Client) ListAllRecords(ctx context.Context, objToken, tableID string) ([]Record, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", objToken, tableID)

	var all []Record
	pageToken := ""
	for {
		pagePath := fmt.Sprintf("%s?page_size=%d", path, maxPageSize)
		if pageToken != "" {
			pagePath += "&page_token=" + pageToken
		}

		var out struct {
			Items     []Record `json:"items"`
			PageToken string   `json:"page_token"`
			HasMore   bool     `json:"has_more"`
		}

		var data json.RawMessage
		err := retry.Do(ctx, func(int) error {
			d, err := c.doRequest(ctx, http.MethodGet, pagePath, nil)
			data = d
			return err
		})
		if err != nil {
			return all, fmt.Errorf("listing records page (token=%q): %w", pageToken, err)
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return all, fmt.Errorf("parsing records page: %w", err)
		}

		all = append(all, out.Items...)
		if !out.HasMore || out.PageToken == "" {
			break
		}
		pageToken = out.PageToken
	}
	return all, nil
}

// sprintFieldNames are the casing variants scanned for when deciding
// whether a write needs Sprint-format fallback.
var sprintFieldNames = []string{"Sprints", "Sprint", "sprints", "sprint"}

func findSprintField(fields map[string]interface{}) (string, interface{}) {
	for _, name := range sprintFieldNames {
		if v, ok := fields[name]; ok {
			return name, v
		}
	}
	return "", nil
}

// sprintCandidates produces the ordered list of representations to try
// for a Sprint field's value, preferring the format implied by the
// field's actual ui_type (Number or SingleSelect) and falling back to
// the other representation, deduplicated in encounter order. Tables
// model Sprint inconsistently as either type, so both forms must be
// tried.
func sprintCandidates(value interface{}, uiType string) []interface{} {
	asNumber := func() (interface{}, bool) {
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return v, true
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return nil, false
			}
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return n, true
			}
		}
		return nil, false
	}
	asString := func() (interface{}, bool) {
		switch v := value.(type) {
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case int:
			return strconv.Itoa(v), true
		case string:
			s := strings.TrimSpace(v)
			if s != "" {
				return s, true
			}
		}
		return nil, false
	}

	var primary, secondary func() (interface{}, bool)
	switch uiType {
	case "Number":
		primary, secondary = asNumber, asString
	case "SingleSelect":
		primary, secondary = asString, asNumber
	default:
		primary, secondary = asNumber, asString
	}

	var candidates []interface{}
	seen := make(map[string]bool)
	add := func(v interface{}, ok bool) {
		if !ok {
			return
		}
		key := fmt.Sprintf("%T:%v", v, v)
		if seen[key] {
			return
		}
		seen[key] = true
		candidates = append(candidates, v)
	}
	add(primary())
	add(secondary())
	return candidates
}

// applySprintFallback rewrites fields so any Sprint-family key uses the
// best-guess representation up front (used as the final, last-resort
// attempt, mirroring _preprocess_fields_for_sprints).
func applySprintFallback(fields map[string]interface{}, uiType string) map[string]interface{} {
	name, value := findSprintField(fields)
	if name == "" {
		return fields
	}
	candidates := sprintCandidates(value, uiType)
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	if len(candidates) > 0 {
		out[name] = candidates[0]
	}
	return out
}

// CreateRecord creates one record, trying the Sprint-field format
// implied by uiType first and falling back through the remaining
// candidates on failure.
func (c *Client) CreateRecord(ctx context.Context, objToken, tableID string, fields map[string]interface{}, sprintUIType string) (string, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", objToken, tableID)

	name, value := findSprintField(fields)
	if name == "" {
		return c.createRecordOnce(ctx, path, fields)
	}

	for _, cand := range sprintCandidates(value, sprintUIType) {
		attempt := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			attempt[k] = v
		}
		attempt[name] = cand
		id, err := c.createRecordOnce(ctx, path, attempt)
		if err == nil {
			return id, nil
		}
		klog.V(2).Infof("create record: sprint candidate %v rejected: %v", cand, err)
	}

	return c.createRecordOnce(ctx, path, applySprintFallback(fields, sprintUIType))
}

func (c *Client) createRecordOnce(ctx context.Context, path string, fields map[string]interface{}) (string, error) {
	var out struct {
		Record Record `json:"record"`
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string]interface{}{"fields": fields})
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parsing create response: %w", err)
	}
	return out.Record.RecordID, nil
}

// UpdateRecord updates one record by id, with the same Sprint-field
// fallback behavior as CreateRecord.
func (c *Client) UpdateRecord(ctx context.Context, objToken, tableID, recordID string, fields map[string]interface{}, sprintUIType string) error {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/%s", objToken, tableID, recordID)

	name, value := findSprintField(fields)
	if name == "" {
		_, err := c.doRequest(ctx, http.MethodPut, path, map[string]interface{}{"fields": fields})
		return err
	}

	var lastErr error
	for _, cand := range sprintCandidates(value, sprintUIType) {
		attempt := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			attempt[k] = v
		}
		attempt[name] = cand
		_, err := c.doRequest(ctx, http.MethodPut, path, map[string]interface{}{"fields": attempt})
		if err == nil {
			return nil
		}
		lastErr = err
		klog.V(2).Infof("update record %s: sprint candidate %v rejected: %v", recordID, cand, err)
	}

	_, err := c.doRequest(ctx, http.MethodPut, path, map[string]interface{}{
		"fields": applySprintFallback(fields, sprintUIType),
	})
	if err != nil {
		return fmt.Errorf("update record %s exhausted all sprint candidates, last error %v: %w", recordID, lastErr, err)
	}
	return nil
}

// chunkSize picks a batch size from record complexity: complex records
// (many fields or long serialized content) get smaller chunks to stay
// clear of the API's payload-size limits.
func chunkSize(fieldsPerRecord []map[string]interface{}, maxSize int) int {
	if len(fieldsPerRecord) == 0 {
		return maxSize
	}
	sampleSize := len(fieldsPerRecord)
	if sampleSize > 10 {
		sampleSize = 10
	}

	var totalFields, totalContentLen int
	for i := 0; i < sampleSize; i++ {
		totalFields += len(fieldsPerRecord[i])
		b, _ := json.Marshal(fieldsPerRecord[i])
		totalContentLen += len(b)
	}
	avgFields := float64(totalFields) / float64(sampleSize)
	avgContentLen := float64(totalContentLen) / float64(sampleSize)

	switch {
	case avgFields > 20 || avgContentLen > 2000:
		return min(200, maxSize)
	case avgFields > 10 || avgContentLen > 1000:
		return min(350, maxSize)
	default:
		return maxSize
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// BatchCreateRecords creates records in dynamically-sized chunks,
// returning the successfully-created record IDs in input order and any
// per-chunk error messages. A chunk whose initial attempt is
// rejected is retried once with the Sprint-format fallback applied
// before being counted as failed.
func (c *Client) BatchCreateRecords(ctx context.Context, objToken, tableID string, records []map[string]interface{}, sprintUIType string) ([]string, []error) {
	if len(records) == 0 {
		return nil, nil
	}
	size := chunkSize(records, 500)

	var ids []string
	var errs []error
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_create", objToken, tableID)

	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		chunkIDs, err := c.batchCreateOnce(ctx, path, chunk)
		if err == nil {
			ids = append(ids, chunkIDs...)
			continue
		}
		klog.Errorf("batch create chunk [%d:%d] failed, retrying with sprint fallback: %v", start, end, err)

		fallback := make([]map[string]interface{}, len(chunk))
		for i, rec := range chunk {
			fallback[i] = applySprintFallback(rec, sprintUIType)
		}
		chunkIDs, err = c.batchCreateOnce(ctx, path, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("batch create chunk [%d:%d]: %w", start, end, err))
			continue
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, errs
}

func (c *Client) batchCreateOnce(ctx context.Context, path string, records []map[string]interface{}) ([]string, error) {
	payload := make([]map[string]interface{}, len(records))
	for i, f := range records {
		payload[i] = map[string]interface{}{"fields": f}
	}
	var out struct {
		Records []Record `json:"records"`
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string]interface{}{"records": payload})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing batch create response: %w", err)
	}
	ids := make([]string, 0, len(out.Records))
	for _, r := range out.Records {
		if r.RecordID != "" {
			ids = append(ids, r.RecordID)
		}
	}
	return ids, nil
}

// RecordUpdate pairs a record id with the fields to write.
type RecordUpdate struct {
	RecordID string
	Fields   map[string]interface{}
}

// BatchUpdateRecords updates records in dynamically-sized chunks, with
// the same sprint-fallback retry as BatchCreateRecords.
func (c *Client) BatchUpdateRecords(ctx context.Context, objToken, tableID string, updates []RecordUpdate, sprintUIType string) []error {
	if len(updates) == 0 {
		return nil
	}
	fieldSets := make([]map[string]interface{}, len(updates))
	for i, u := range updates {
		fieldSets[i] = u.Fields
	}
	size := chunkSize(fieldSets, 500)
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_update", objToken, tableID)

	var errs []error
	for start := 0; start < len(updates); start += size {
		end := start + size
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		if err := c.batchUpdateOnce(ctx, path, chunk); err == nil {
			continue
		} else {
			klog.Errorf("batch update chunk [%d:%d] failed, retrying with sprint fallback: %v", start, end, err)
		}

		fallback := make([]RecordUpdate, len(chunk))
		for i, u := range chunk {
			fallback[i] = RecordUpdate{RecordID: u.RecordID, Fields: applySprintFallback(u.Fields, sprintUIType)}
		}
		if err := c.batchUpdateOnce(ctx, path, fallback); err != nil {
			errs = append(errs, fmt.Errorf("batch update chunk [%d:%d]: %w", start, end, err))
		}
	}
	return errs
}

func (c *Client) batchUpdateOnce(ctx context.Context, path string, updates []RecordUpdate) error {
	payload := make([]map[string]interface{}, len(updates))
	for i, u := range updates {
		payload[i] = map[string]interface{}{"record_id": u.RecordID, "fields": u.Fields}
	}
	_, err := c.doRequest(ctx, http.MethodPost, path, map[string]interface{}{"records": payload})
	return err
}

// BatchDeleteRecords deletes records in chunks of 500.
func (c *Client) BatchDeleteRecords(ctx context.Context, objToken, tableID string, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records/batch_delete", objToken, tableID)
	const size = 500
	for start := 0; start < len(recordIDs); start += size {
		end := start + size
		if end > len(recordIDs) {
			end = len(recordIDs)
		}
		_, err := c.doRequest(ctx, http.MethodPost, path, map[string]interface{}{"records": recordIDs[start:end]})
		if err != nil {
			return fmt.Errorf("batch delete [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// GetUserByEmail resolves a Lark identity from an email, caching
// results for the client's lifetime.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	c.userCacheMu.Lock()
	if u, ok := c.userCache[email]; ok {
		c.userCacheMu.Unlock()
		return u, nil
	}
	c.userCacheMu.Unlock()

	var out struct {
		UserList []struct {
			UserID string `json:"user_id"`
			Name   string `json:"name"`
		} `json:"user_list"`
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/contact/v3/users/batch_get_id",
		map[string]interface{}{"emails": []string{email}})
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", email, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing user lookup response: %w", err)
	}
	if len(out.UserList) == 0 || out.UserList[0].UserID == "" {
		return nil, nil
	}

	name := out.UserList[0].Name
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	user := &User{UserID: out.UserList[0].UserID, Name: name, Email: email}

	c.userCacheMu.Lock()
	c.userCache[email] = user
	c.userCacheMu.Unlock()
	return user, nil
}
