// Package statemanager implements the StateManager component:
// cold-start detection, ProcessingLog-backed filtering and
// classification, and transactional result recording. One
// processinglog.Store is opened lazily per table and cached for the
// life of the process rather than reopened per cycle.
package statemanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/batchprocessor"
	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/processinglog"
)

// coldStartThreshold is the "no activity in this long" cutoff past
// which a table is treated as cold even if its ProcessingLog is
// non-empty.
const coldStartThreshold = 7 * 24 * time.Hour

// LarkReader is the subset of larkclient.Client this package needs for
// full-table scans, declared narrowly so tests can substitute a fake.
type LarkReader interface {
	ListAllRecords(ctx context.Context, objToken, tableID string) ([]larkclient.Record, error)
}

// FilterStats reports the outcome of filterIssuesForProcessing.
type FilterStats struct {
	Total      int
	Filtered   int
	Skipped    int
	FilterRate float64
}

// Manager is the StateManager component.
type Manager struct {
	dataDirectory string

	mu     sync.Mutex
	stores map[string]*processinglog.Store
}

// New builds a Manager rooted at dataDirectory, where one sqlite file
// per table is kept (processinglog.PathForTable).
func New(dataDirectory string) *Manager {
	return &Manager{dataDirectory: dataDirectory, stores: make(map[string]*processinglog.Store)}
}

// Store returns (opening and caching if necessary) the ProcessingLog
// for tableID.
func (m *Manager) Store(tableID string) (*processinglog.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[tableID]; ok {
		return s, nil
	}

	path := processinglog.PathForTable(m.dataDirectory, tableID)
	s, err := processinglog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening processing log for table %s: %w", tableID, err)
	}
	m.stores[tableID] = s
	return s, nil
}

// IsColdStart reports whether tableID should run a cold-start pass:
// the ProcessingLog is empty, or its most recent write is older than
// coldStartThreshold. Any I/O error fails open (returns true): a
// spurious resync is safe, silently skipping one is not.
func (m *Manager) IsColdStart(tableID string) bool {
	store, err := m.Store(tableID)
	if err != nil {
		klog.Errorf("%s: opening processing log for cold-start check: %v", tableID, err)
		return true
	}

	count, err := store.RowCount()
	if err != nil {
		klog.Errorf("%s: counting processing log rows: %v", tableID, err)
		return true
	}
	if count == 0 {
		return true
	}

	lastProcessed, err := store.MaxProcessedAt()
	if err != nil {
		klog.Errorf("%s: reading last processed time: %v", tableID, err)
		return true
	}
	if lastProcessed == nil {
		return true
	}

	age := time.Since(time.UnixMilli(*lastProcessed))
	return age > coldStartThreshold
}

// extractTicketKey pulls a JIRA key out of a target row's ticket
// field, which FieldProcessor may have written as a bare string, a
// hyperlink object ({text,url,link}), or a list of either.
func extractTicketKey(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		key := strings.TrimSpace(v)
		return key, key != ""
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok && text != "" {
			return text, true
		}
		if link, ok := v["link"].(string); ok && link != "" {
			return keyFromLink(link), true
		}
		if url, ok := v["url"].(string); ok && url != "" {
			return keyFromLink(url), true
		}
		return "", false
	case []interface{}:
		for _, item := range v {
			if key, ok := extractTicketKey(item); ok {
				return key, true
			}
		}
		return "", false
	default:
		return "", false
	}
}

func keyFromLink(link string) string {
	idx := strings.LastIndex(link, "/")
	if idx < 0 || idx == len(link)-1 {
		return link
	}
	return link[idx+1:]
}

// PrepareColdStart seeds the ProcessingLog from the target table's
// current contents: every row whose ticket field resolves to a JIRA
// key gets a jira_updated_time=0 entry so the next filter pass treats
// it as stale and re-syncs it. If clearCache is true the store
// is wiped first.
func (m *Manager) PrepareColdStart(tableID string, existingTargetRows []larkclient.Record, ticketFieldName string, clearCache bool) error {
	store, err := m.Store(tableID)
	if err != nil {
		return err
	}

	if clearCache {
		if err := store.ClearLocalCache(); err != nil {
			return fmt.Errorf("clearing processing log before cold start: %w", err)
		}
	}

	var rows []processinglog.Row
	for _, rec := range existingTargetRows {
		key, ok := extractTicketKey(rec.Fields[ticketFieldName])
		if !ok {
			continue
		}
		rows = append(rows, processinglog.Row{
			IssueKey:         key,
			JiraUpdatedTime:  0,
			ProcessedAt:      time.Now().UnixMilli(),
			ProcessingResult: processinglog.ResultColdStartExisting,
			LarkRecordID:     sql.NullString{String: rec.RecordID, Valid: rec.RecordID != ""},
		})
	}

	if len(rows) == 0 {
		return nil
	}

	if err := store.BatchRecord(rows); err != nil {
		return fmt.Errorf("recording cold-start rows: %w", err)
	}
	klog.Infof("%s: cold start seeded %d existing rows", tableID, len(rows))
	return nil
}

// FilterIssuesForProcessing drops issues whose ProcessingLog row is
// already at least as recent as the issue itself.
func (m *Manager) FilterIssuesForProcessing(tableID string, issues []jiraclient.Issue) ([]jiraclient.Issue, FilterStats, error) {
	store, err := m.Store(tableID)
	if err != nil {
		return nil, FilterStats{}, err
	}

	filtered, err := processinglog.FilterByTimestamp(store, issues)
	if err != nil {
		return nil, FilterStats{}, fmt.Errorf("filtering issues for %s: %w", tableID, err)
	}

	stats := FilterStats{Total: len(issues), Filtered: len(filtered), Skipped: len(issues) - len(filtered)}
	if stats.Total > 0 {
		stats.FilterRate = float64(stats.Filtered) / float64(stats.Total)
	}
	return filtered, stats, nil
}

// DetermineSyncOperations classifies each filtered issue as a create
// or update by whether the ProcessingLog already has a lark_record_id
// for its key.
func (m *Manager) DetermineSyncOperations(tableID string, filteredIssues []jiraclient.Issue) ([]batchprocessor.Operation, error) {
	store, err := m.Store(tableID)
	if err != nil {
		return nil, err
	}

	ops := make([]batchprocessor.Operation, 0, len(filteredIssues))
	for _, issue := range filteredIssues {
		recordID, err := store.GetLarkRecordID(issue.Key())
		if err != nil {
			return nil, fmt.Errorf("looking up lark record id for %s: %w", issue.Key(), err)
		}

		op := batchprocessor.Operation{
			IssueKey:        issue.Key(),
			Fields:          issue.Fields(),
			JiraUpdatedTime: issue.Updated(),
		}
		if recordID != nil && *recordID != "" {
			op.OpType = batchprocessor.OpUpdate
			op.RecordID = *recordID
		} else {
			op.OpType = batchprocessor.OpCreate
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// DetermineSyncOperationsWithForceUpdate implements full-update mode:
// it clears the local cache, rebuilds the record-id index from
// every row currently in the target (regardless of JQL), then
// classifies every filtered issue against that rebuilt index. An issue
// whose key isn't found in the rebuilt index (should be rare) falls
// back to create, with a warning.
func (m *Manager) DetermineSyncOperationsWithForceUpdate(
	ctx context.Context,
	tableID string,
	filteredIssues []jiraclient.Issue,
	lark LarkReader,
	objToken string,
	ticketFieldName string,
) ([]batchprocessor.Operation, error) {
	store, err := m.Store(tableID)
	if err != nil {
		return nil, err
	}

	if err := store.ClearLocalCache(); err != nil {
		return nil, fmt.Errorf("clearing local cache for force update: %w", err)
	}

	allRecords, err := lark.ListAllRecords(ctx, objToken, tableID)
	if err != nil {
		return nil, fmt.Errorf("listing all target records for force update: %w", err)
	}

	if err := m.PrepareColdStart(tableID, allRecords, ticketFieldName, false); err != nil {
		return nil, fmt.Errorf("rebuilding record-id index for force update: %w", err)
	}

	ops := make([]batchprocessor.Operation, 0, len(filteredIssues))
	for _, issue := range filteredIssues {
		recordID, err := store.GetLarkRecordID(issue.Key())
		if err != nil {
			return nil, fmt.Errorf("looking up rebuilt record id for %s: %w", issue.Key(), err)
		}

		op := batchprocessor.Operation{
			IssueKey:        issue.Key(),
			Fields:          issue.Fields(),
			JiraUpdatedTime: issue.Updated(),
		}
		if recordID != nil && *recordID != "" {
			op.OpType = batchprocessor.OpUpdate
			op.RecordID = *recordID
		} else {
			klog.Warningf("%s: %s not found in rebuilt record-id index, falling back to create", tableID, issue.Key())
			op.OpType = batchprocessor.OpCreate
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// RecordSyncResultsWithTransaction writes only the successful results
// into the table's ProcessingLog within txn; failed results are left
// unrecorded so the next cycle's filter re-selects them.
func (m *Manager) RecordSyncResultsWithTransaction(tableID string, results []batchprocessor.SyncResult, txn *processinglog.Txn) error {
	now := time.Now().UnixMilli()
	var rows []processinglog.Row
	for _, r := range results {
		if !r.Success {
			continue
		}
		jiraUpdated, _ := processinglog.ParseJiraTimestamp(r.JiraUpdatedTime)
		rows = append(rows, processinglog.Row{
			IssueKey:         r.IssueKey,
			JiraUpdatedTime:  jiraUpdated,
			ProcessedAt:      now,
			ProcessingResult: processinglog.ResultSuccess,
			LarkRecordID:     sql.NullString{String: r.RecordID, Valid: r.RecordID != ""},
		})
	}

	if len(rows) == 0 {
		return nil
	}

	store, err := m.Store(tableID)
	if err != nil {
		return err
	}
	return store.BatchRecordInTxn(rows, txn)
}
