package cleaner_test

import (
	"context"
	"testing"

	"github.com/practo/larksync/pkg/cleaner"
	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/statemanager"
)

type fakeLark struct {
	records   []larkclient.Record
	deletedID []string
}

func (f *fakeLark) ListAllRecords(_ context.Context, _, _ string) ([]larkclient.Record, error) {
	return f.records, nil
}

func (f *fakeLark) BatchDeleteRecords(_ context.Context, _, _ string, recordIDs []string) error {
	f.deletedID = append(f.deletedID, recordIDs...)
	return nil
}

type fakeJira struct {
	live map[string]bool
}

func (f *fakeJira) SearchByKeys(_ context.Context, keys []string, _ []string, _ int) ([]jiraclient.Issue, error) {
	var found []jiraclient.Issue
	for _, k := range keys {
		if f.live[k] {
			found = append(found, jiraclient.Issue{"key": k})
		}
	}
	return found, nil
}

func rec(id, ticket string) larkclient.Record {
	return larkclient.Record{RecordID: id, Fields: map[string]interface{}{"Ticket": ticket}}
}

func TestClean_RemovesDuplicatesAndOrphans(t *testing.T) {
	lark := &fakeLark{records: []larkclient.Record{
		rec("rec-1", "TP-1"),
		rec("rec-2", "TP-1"), // duplicate of rec-1
		rec("rec-3", "TP-2"), // orphan: not in jira
		rec("rec-4", "TP-3"), // survives
	}}
	jira := &fakeJira{live: map[string]bool{"TP-1": true, "TP-3": true}}
	state := statemanager.New(t.TempDir())

	c := cleaner.New(lark, jira, state)
	report, err := c.Clean(context.Background(), "obj", "TBL1", "Ticket")
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}

	if report.ScannedRows != 4 {
		t.Errorf("expected 4 scanned rows, got %d", report.ScannedRows)
	}
	if report.DuplicatesFound != 1 {
		t.Errorf("expected 1 duplicate, got %d", report.DuplicatesFound)
	}
	if report.OrphansFound != 1 {
		t.Errorf("expected 1 orphan, got %d", report.OrphansFound)
	}
	if report.RowsDeleted != 2 {
		t.Errorf("expected 2 rows deleted, got %d", report.RowsDeleted)
	}
	if report.RebuiltRows != 2 {
		t.Errorf("expected 2 surviving rows, got %d", report.RebuiltRows)
	}

	wantDeleted := map[string]bool{"rec-2": true, "rec-3": true}
	if len(lark.deletedID) != 2 {
		t.Fatalf("expected 2 deleted ids, got %v", lark.deletedID)
	}
	for _, id := range lark.deletedID {
		if !wantDeleted[id] {
			t.Errorf("unexpected id deleted: %s", id)
		}
	}
}

func TestClean_NoopWhenNothingToRemove(t *testing.T) {
	lark := &fakeLark{records: []larkclient.Record{rec("rec-1", "TP-1")}}
	jira := &fakeJira{live: map[string]bool{"TP-1": true}}
	state := statemanager.New(t.TempDir())

	c := cleaner.New(lark, jira, state)
	report, err := c.Clean(context.Background(), "obj", "TBL1", "Ticket")
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if report.RowsDeleted != 0 {
		t.Errorf("expected no deletions, got %d", report.RowsDeleted)
	}
	if len(lark.deletedID) != 0 {
		t.Errorf("expected BatchDeleteRecords not called, got %v", lark.deletedID)
	}
}

func TestClean_UnkeyedRowsAreKeptWithoutExistenceCheck(t *testing.T) {
	lark := &fakeLark{records: []larkclient.Record{
		{RecordID: "rec-1", Fields: map[string]interface{}{}}, // no Ticket field at all
	}}
	jira := &fakeJira{live: map[string]bool{}}
	state := statemanager.New(t.TempDir())

	c := cleaner.New(lark, jira, state)
	report, err := c.Clean(context.Background(), "obj", "TBL1", "Ticket")
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if report.OrphansFound != 0 {
		t.Errorf("expected unkeyed rows not classified as orphans, got %d", report.OrphansFound)
	}
	if report.RebuiltRows != 1 {
		t.Errorf("expected the unkeyed row to survive, got %d", report.RebuiltRows)
	}
}
