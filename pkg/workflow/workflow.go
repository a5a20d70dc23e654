// Package workflow implements the WorkflowManager component:
// the single `executeSyncWorkflow` sequence that ties JiraClient,
// StateManager, BatchProcessor, and LarkClient together into one sync
// cycle, transactionally.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/batchprocessor"
	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/statemanager"
)

const fullUpdateKeyBatchSize = 50

// JiraReader is the subset of jiraclient.Client this package needs.
type JiraReader interface {
	Search(ctx context.Context, jql string, fields []string, maxResults int) ([]jiraclient.Issue, error)
	SearchByKeys(ctx context.Context, keys []string, fields []string, batchSize int) ([]jiraclient.Issue, error)
}

// LarkReader is the subset of larkclient.Client this package needs for
// target-table reads (writes go through batchprocessor.LarkWriter).
type LarkReader interface {
	ListAllRecords(ctx context.Context, objToken, tableID string) ([]larkclient.Record, error)
	AvailableFieldNames(ctx context.Context, objToken, tableID string) ([]string, error)
}

// Request is one sync cycle's parameters, built by the Coordinator
// from config.TableConfig + config.Schema.
type Request struct {
	TableID                  string
	ObjToken                 string
	JQL                      string
	RequiredFields           []string
	TicketFieldName          string
	ExcludedFields           []string
	FullUpdate               bool
	EnableColdStartDetection bool
	MaxResults               int
}

// Totals carries the per-cycle counters status reporting surfaces.
type Totals struct {
	IssuesFetched     int
	Filtered          int
	Skipped           int
	Operations        int
	SuccessfulCreates int
	SuccessfulUpdates int
	FailedOperations  int
}

// Timings carries BatchProcessor's per-phase durations through to
// MetricsCollector.
type Timings struct {
	FieldProcessingTime time.Duration
	LarkAPITime         time.Duration
	TotalTime           time.Duration
}

// Result is executeSyncWorkflow's return value.
type Result struct {
	Success bool
	IsCold  bool
	Totals  Totals
	Timings Timings
}

// Manager is the WorkflowManager component.
type Manager struct {
	state *statemanager.Manager
	batch *batchprocessor.Processor
	jira  JiraReader
	lark  LarkReader
}

// New builds a Manager from its collaborators, all already wired by
// the Coordinator.
func New(state *statemanager.Manager, batch *batchprocessor.Processor, jira JiraReader, lark LarkReader) *Manager {
	return &Manager{state: state, batch: batch, jira: jira, lark: lark}
}

// SingleIssueRequest builds the one-shot request used by the `issue`
// CLI command: a `key = X` JQL with cold-start detection
// disabled, reusing the same workflow as a full table sync.
func SingleIssueRequest(tableID, objToken, issueKey string, requiredFields []string, ticketFieldName string, excludedFields []string) Request {
	return Request{
		TableID:                  tableID,
		ObjToken:                 objToken,
		JQL:                      fmt.Sprintf("key = %s", issueKey),
		RequiredFields:           requiredFields,
		TicketFieldName:          ticketFieldName,
		ExcludedFields:           excludedFields,
		FullUpdate:               false,
		EnableColdStartDetection: false,
		MaxResults:               1,
	}
}

// ExecuteSyncWorkflow runs one full sync cycle for a single table.
func (m *Manager) ExecuteSyncWorkflow(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	isCold := false
	if req.EnableColdStartDetection {
		isCold = m.state.IsColdStart(req.TableID)
	}

	var targetRows []larkclient.Record
	var issues []jiraclient.Issue
	var err error

	if req.FullUpdate {
		targetRows, err = m.lark.ListAllRecords(ctx, req.ObjToken, req.TableID)
		if err != nil {
			return Result{}, fmt.Errorf("listing target records for full update: %w", err)
		}

		keySet := make(map[string]struct{}, len(targetRows))
		for _, rec := range targetRows {
			if key, ok := ticketKeyFromRecord(rec, req.TicketFieldName); ok {
				keySet[key] = struct{}{}
			}
		}
		keys := make([]string, 0, len(keySet))
		for k := range keySet {
			keys = append(keys, k)
		}

		issues, err = m.jira.SearchByKeys(ctx, keys, req.RequiredFields, fullUpdateKeyBatchSize)
		if err != nil {
			return Result{}, fmt.Errorf("batch fetching full-update issues: %w", err)
		}
	} else {
		issues, err = m.jira.Search(ctx, req.JQL, req.RequiredFields, req.MaxResults)
		if err != nil {
			return Result{}, fmt.Errorf("searching jira: %w", err)
		}
	}

	if isCold {
		if targetRows == nil {
			targetRows, err = m.lark.ListAllRecords(ctx, req.ObjToken, req.TableID)
			if err != nil {
				return Result{}, fmt.Errorf("listing target records for cold start: %w", err)
			}
		}
		if err := m.state.PrepareColdStart(req.TableID, targetRows, req.TicketFieldName, false); err != nil {
			return Result{}, fmt.Errorf("preparing cold start: %w", err)
		}
	}

	filtered, filterStats, err := m.state.FilterIssuesForProcessing(req.TableID, issues)
	if err != nil {
		return Result{}, fmt.Errorf("filtering issues: %w", err)
	}

	availableFields, err := m.lark.AvailableFieldNames(ctx, req.ObjToken, req.TableID)
	if err != nil {
		return Result{}, fmt.Errorf("listing available target fields: %w", err)
	}

	var ops []batchprocessor.Operation
	if req.FullUpdate {
		ops, err = m.state.DetermineSyncOperationsWithForceUpdate(ctx, req.TableID, filtered, m.lark, req.ObjToken, req.TicketFieldName)
	} else {
		ops, err = m.state.DetermineSyncOperations(req.TableID, filtered)
	}
	if err != nil {
		return Result{}, fmt.Errorf("classifying sync operations: %w", err)
	}

	store, err := m.state.Store(req.TableID)
	if err != nil {
		return Result{}, err
	}
	txn, err := store.BeginTransaction()
	if err != nil {
		return Result{}, fmt.Errorf("beginning processing log transaction: %w", err)
	}

	results, counters := m.batch.Process(ctx, req.ObjToken, req.TableID, ops, availableFields, req.ExcludedFields)

	anyFailed := false
	for _, r := range results {
		if !r.Success {
			anyFailed = true
			break
		}
	}

	if anyFailed {
		klog.Warningf("%s: %d/%d operations failed, aborting processing log transaction", req.TableID, counters.FailedOperations, counters.TotalProcessed)
		if err := txn.Rollback(store); err != nil {
			return Result{}, fmt.Errorf("rolling back after failed operations: %w", err)
		}
	} else {
		if err := m.state.RecordSyncResultsWithTransaction(req.TableID, results, txn); err != nil {
			_ = txn.Rollback(store)
			return Result{}, fmt.Errorf("recording sync results: %w", err)
		}
		if err := txn.Commit(store); err != nil {
			return Result{}, fmt.Errorf("committing processing log transaction: %w", err)
		}
	}

	return Result{
		Success: !anyFailed,
		IsCold:  isCold,
		Totals: Totals{
			IssuesFetched:     len(issues),
			Filtered:          filterStats.Filtered,
			Skipped:           filterStats.Skipped,
			Operations:        len(ops),
			SuccessfulCreates: counters.SuccessfulCreates,
			SuccessfulUpdates: counters.SuccessfulUpdates,
			FailedOperations:  counters.FailedOperations,
		},
		Timings: Timings{
			FieldProcessingTime: counters.FieldProcessingTime,
			LarkAPITime:         counters.LarkAPITime,
			TotalTime:           time.Since(start),
		},
	}, nil
}

func ticketKeyFromRecord(rec larkclient.Record, ticketFieldName string) (string, bool) {
	value, ok := rec.Fields[ticketFieldName]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, v != ""
	case map[string]interface{}:
		if text, ok := v["text"].(string); ok && text != "" {
			return text, true
		}
	}
	return "", false
}
