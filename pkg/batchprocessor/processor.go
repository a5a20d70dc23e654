// Package batchprocessor implements the classify-transform-write stage
// of a sync cycle: one field-transform pass amortized over the whole
// batch, then a create/update split with chunked writes and a
// domain-specific format-fallback retry.
package batchprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/larkclient"
)

// OpType classifies a sync operation against the target table.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
)

// Operation is one issue's classified sync unit, produced by
// StateManager's determineSyncOperations.
type Operation struct {
	IssueKey        string
	OpType          OpType
	RecordID        string // set for OpUpdate
	Fields          map[string]interface{}
	JiraUpdatedTime string

	processedFields map[string]interface{}
}

// SyncResult is the outcome of one Operation, returned in input order.
type SyncResult struct {
	IssueKey        string
	OpType          OpType
	Success         bool
	RecordID        string
	JiraUpdatedTime string
	Err             error
}

// Counters summarizes one Process call for metrics and status output.
type Counters struct {
	TotalProcessed      int
	SuccessfulCreates   int
	SuccessfulUpdates   int
	FailedOperations    int
	FieldProcessingTime time.Duration
	LarkAPITime         time.Duration
	TotalTime           time.Duration
	UserMappingStats    interface{}
}

// FieldProcessor is the subset of fieldprocessor.Processor this package
// needs, declared narrowly so tests can substitute a fake.
type FieldProcessor interface {
	Process(issueKey string, fields map[string]interface{}, availableFields []string, excludedFields []string) map[string]interface{}
}

// LarkWriter is the subset of larkclient.Client this package writes
// through, declared narrowly for the same reason.
type LarkWriter interface {
	CreateRecord(ctx context.Context, objToken, tableID string, fields map[string]interface{}, sprintUIType string) (string, error)
	BatchCreateRecords(ctx context.Context, objToken, tableID string, records []map[string]interface{}, sprintUIType string) ([]string, []error)
	UpdateRecord(ctx context.Context, objToken, tableID, recordID string, fields map[string]interface{}, sprintUIType string) error
	BatchUpdateRecords(ctx context.Context, objToken, tableID string, updates []larkclient.RecordUpdate, sprintUIType string) []error
	SprintFieldUIType(ctx context.Context, objToken, tableID, fieldName string) string
}

// UserMappingStatsProvider optionally supplies the user_mapping_stats
// counter (e.g. usercache.Store.Stats, adapted at the composition
// root).
type UserMappingStatsProvider interface {
	Stats() (interface{}, error)
}

var sprintFieldNames = []string{"Sprints", "Sprint", "sprints", "sprint"}

// Processor is the BatchProcessor component.
type Processor struct {
	lark           LarkWriter
	fieldProcessor FieldProcessor
	userStats      UserMappingStatsProvider
}

// New builds a Processor. userStats may be nil, in which case
// Counters.UserMappingStats is left nil.
func New(lark LarkWriter, fieldProcessor FieldProcessor, userStats UserMappingStatsProvider) *Processor {
	return &Processor{lark: lark, fieldProcessor: fieldProcessor, userStats: userStats}
}

// Process runs the full three-phase pipeline over ops and returns one
// SyncResult per operation (same order as ops) plus the cycle's
// counters.
func (p *Processor) Process(
	ctx context.Context,
	objToken, tableID string,
	ops []Operation,
	availableFields []string,
	excludedFields []string,
) ([]SyncResult, Counters) {
	start := time.Now()
	counters := Counters{TotalProcessed: len(ops)}

	// Phase 1: field transformation, amortized over the whole batch.
	fieldStart := time.Now()
	for i := range ops {
		ops[i].processedFields = p.fieldProcessor.Process(ops[i].IssueKey, ops[i].Fields, availableFields, excludedFields)
	}
	counters.FieldProcessingTime = time.Since(fieldStart)

	// Phase 3 setup: resolve the sprint field's actual ui_type once,
	// amortized over every write in this cycle.
	sprintUIType := p.resolveSprintUIType(ctx, objToken, tableID, availableFields)

	results := make([]SyncResult, len(ops))
	for i, op := range ops {
		results[i] = SyncResult{IssueKey: op.IssueKey, OpType: op.OpType, JiraUpdatedTime: op.JiraUpdatedTime}
	}

	larkStart := time.Now()
	p.processCreates(ctx, objToken, tableID, ops, results, sprintUIType, &counters)
	p.processUpdates(ctx, objToken, tableID, ops, results, sprintUIType, &counters)
	counters.LarkAPITime = time.Since(larkStart)

	for _, r := range results {
		if !r.Success {
			counters.FailedOperations++
		}
	}

	if p.userStats != nil {
		if stats, err := p.userStats.Stats(); err != nil {
			klog.Warningf("fetching user mapping stats: %v", err)
		} else {
			counters.UserMappingStats = stats
		}
	}

	counters.TotalTime = time.Since(start)
	return results, counters
}

func (p *Processor) resolveSprintUIType(ctx context.Context, objToken, tableID string, availableFields []string) string {
	present := make(map[string]bool, len(availableFields))
	for _, f := range availableFields {
		present[f] = true
	}
	for _, name := range sprintFieldNames {
		if present[name] {
			return p.lark.SprintFieldUIType(ctx, objToken, tableID, name)
		}
	}
	return ""
}

// processCreates implements phase 2's create path: one batch attempt,
// falling back to one-row-at-a-time creates on any batch-level
// failure so a single poison row doesn't sink the rest of the batch.
func (p *Processor) processCreates(
	ctx context.Context,
	objToken, tableID string,
	ops []Operation,
	results []SyncResult,
	sprintUIType string,
	counters *Counters,
) {
	var indices []int
	var records []map[string]interface{}
	for i, op := range ops {
		if op.OpType != OpCreate {
			continue
		}
		indices = append(indices, i)
		records = append(records, op.processedFields)
	}
	if len(records) == 0 {
		return
	}

	ids, errs := p.lark.BatchCreateRecords(ctx, objToken, tableID, records, sprintUIType)
	if len(errs) == 0 && len(ids) == len(records) {
		for n, idx := range indices {
			results[idx].Success = true
			results[idx].RecordID = ids[n]
		}
		counters.SuccessfulCreates += len(records)
		return
	}

	klog.Warningf("%s: batch create had failures (%d errs, %d/%d ids), falling back to individual creates", tableID, len(errs), len(ids), len(records))
	for n, idx := range indices {
		recordID, err := p.lark.CreateRecord(ctx, objToken, tableID, records[n], sprintUIType)
		if err != nil {
			results[idx].Err = fmt.Errorf("creating record for %s: %w", ops[idx].IssueKey, err)
			continue
		}
		results[idx].Success = true
		results[idx].RecordID = recordID
		counters.SuccessfulCreates++
	}
}

// processUpdates implements phase 2's update path: dynamic chunk
// sizing and sprint fallback both happen inside LarkWriter; this layer
// just attributes the outcome. The target API does not report
// per-record failures within a chunk, so a chunk-level failure marks
// every update in this call as failed rather than guessing which rows
// succeeded.
func (p *Processor) processUpdates(
	ctx context.Context,
	objToken, tableID string,
	ops []Operation,
	results []SyncResult,
	sprintUIType string,
	counters *Counters,
) {
	var indices []int
	var updates []larkclient.RecordUpdate
	for i, op := range ops {
		if op.OpType != OpUpdate {
			continue
		}
		indices = append(indices, i)
		updates = append(updates, larkclient.RecordUpdate{RecordID: op.RecordID, Fields: op.processedFields})
	}
	if len(updates) == 0 {
		return
	}

	errs := p.lark.BatchUpdateRecords(ctx, objToken, tableID, updates, sprintUIType)
	if len(errs) == 0 {
		for _, idx := range indices {
			results[idx].Success = true
			results[idx].RecordID = ops[idx].RecordID
		}
		counters.SuccessfulUpdates += len(updates)
		return
	}

	klog.Errorf("%s: batch update failed: %v", tableID, errs)
	for _, idx := range indices {
		results[idx].Err = fmt.Errorf("batch update: %v", errs)
	}
}
