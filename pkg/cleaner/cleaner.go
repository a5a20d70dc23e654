// Package cleaner implements the admin table-scan cleanup the daemon's
// daily maintenance window invokes: given a table's current target
// contents, it removes duplicate ticket rows, removes rows whose
// ticket no longer exists in JIRA (checked in batches of 50, the same
// URI-length-safe batching full-update mode uses), and then triggers a
// full ProcessingLog rebuild from what remains.
//
// This is an out-of-band admin operation, not part of the per-cycle
// sync workflow.
package cleaner

import (
	"context"
	"fmt"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/statemanager"
)

const existenceCheckBatchSize = 50

// LarkReadWriter is the subset of larkclient.Client the cleaner needs:
// a full table scan plus deletion of the duplicates/orphans it finds.
type LarkReadWriter interface {
	ListAllRecords(ctx context.Context, objToken, tableID string) ([]larkclient.Record, error)
	BatchDeleteRecords(ctx context.Context, objToken, tableID string, recordIDs []string) error
}

// JiraExistenceChecker is the subset of jiraclient.Client the cleaner
// needs to verify a ticket still exists upstream.
type JiraExistenceChecker interface {
	SearchByKeys(ctx context.Context, keys []string, fields []string, batchSize int) ([]jiraclient.Issue, error)
}

// Report summarizes one cleanup pass over a table.
type Report struct {
	TableID         string
	ScannedRows     int
	DuplicatesFound int
	OrphansFound    int
	RowsDeleted     int
	RebuiltRows     int
}

// Cleaner runs the admin table-scan cleanup.
type Cleaner struct {
	lark  LarkReadWriter
	jira  JiraExistenceChecker
	state *statemanager.Manager
}

// New builds a Cleaner from its collaborators, already wired by the
// Coordinator.
func New(lark LarkReadWriter, jira JiraExistenceChecker, state *statemanager.Manager) *Cleaner {
	return &Cleaner{lark: lark, jira: jira, state: state}
}

// Clean runs one full pass: scan, dedupe, verify existence, delete,
// then rebuild the ProcessingLog from what remains, so the next regular
// sync cycle's cold-start detection has an accurate starting point.
func (c *Cleaner) Clean(ctx context.Context, objToken, tableID, ticketFieldName string) (Report, error) {
	report := Report{TableID: tableID}

	records, err := c.lark.ListAllRecords(ctx, objToken, tableID)
	if err != nil {
		return report, fmt.Errorf("listing records for cleanup of %s: %w", tableID, err)
	}
	report.ScannedRows = len(records)

	keep, toDelete := dedupe(records, ticketFieldName)
	report.DuplicatesFound = len(toDelete)

	orphans, surviving, err := c.removeOrphans(ctx, keep, ticketFieldName)
	if err != nil {
		return report, err
	}
	report.OrphansFound = len(orphans)
	toDelete = append(toDelete, orphans...)

	if len(toDelete) > 0 {
		ids := make([]string, len(toDelete))
		for i, rec := range toDelete {
			ids[i] = rec.RecordID
		}
		if err := c.lark.BatchDeleteRecords(ctx, objToken, tableID, ids); err != nil {
			return report, fmt.Errorf("deleting duplicate/orphan rows for %s: %w", tableID, err)
		}
		report.RowsDeleted = len(ids)
	}

	if err := c.state.PrepareColdStart(tableID, surviving, ticketFieldName, true); err != nil {
		return report, fmt.Errorf("rebuilding processing log for %s: %w", tableID, err)
	}
	report.RebuiltRows = len(surviving)

	klog.Infof(
		"%s: cleanup scanned=%d duplicates=%d orphans=%d deleted=%d rebuilt=%d",
		tableID, report.ScannedRows, report.DuplicatesFound, report.OrphansFound, report.RowsDeleted, report.RebuiltRows,
	)
	return report, nil
}

// dedupe groups records by ticket key, keeping the first-seen record
// for each key and marking every later one for deletion. Records whose
// ticket field doesn't resolve to a key are always kept (nothing to
// dedupe them against).
func dedupe(records []larkclient.Record, ticketFieldName string) (keep, duplicates []larkclient.Record) {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		key, ok := ticketKey(rec, ticketFieldName)
		if !ok {
			keep = append(keep, rec)
			continue
		}
		if seen[key] {
			duplicates = append(duplicates, rec)
			continue
		}
		seen[key] = true
		keep = append(keep, rec)
	}
	return keep, duplicates
}

// removeOrphans checks every candidate row's ticket key against JIRA in
// batches of existenceCheckBatchSize and splits candidates into those
// whose ticket no longer exists (orphans) and those confirmed live
// (surviving).
func (c *Cleaner) removeOrphans(ctx context.Context, candidates []larkclient.Record, ticketFieldName string) (orphans, surviving []larkclient.Record, err error) {
	byKey := make(map[string][]larkclient.Record)
	var keys []string
	var unkeyed []larkclient.Record

	for _, rec := range candidates {
		key, ok := ticketKey(rec, ticketFieldName)
		if !ok {
			unkeyed = append(unkeyed, rec)
			continue
		}
		if _, exists := byKey[key]; !exists {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], rec)
	}

	if len(keys) == 0 {
		return nil, unkeyed, nil
	}

	found, searchErr := c.jira.SearchByKeys(ctx, keys, []string{"key"}, existenceCheckBatchSize)
	if searchErr != nil {
		return nil, nil, fmt.Errorf("checking ticket existence: %w", searchErr)
	}

	live := make(map[string]bool, len(found))
	for _, issue := range found {
		live[issue.Key()] = true
	}

	surviving = unkeyed
	for key, recs := range byKey {
		if live[key] {
			surviving = append(surviving, recs...)
		} else {
			orphans = append(orphans, recs...)
		}
	}
	return orphans, surviving, nil
}

func ticketKey(rec larkclient.Record, ticketFieldName string) (string, bool) {
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
