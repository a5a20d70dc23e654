package workflow_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/practo/larksync/pkg/batchprocessor"
	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/statemanager"
	"github.com/practo/larksync/pkg/workflow"
)

type fakeJira struct {
	searchIssues       []jiraclient.Issue
	searchByKeysIssues []jiraclient.Issue
	lastJQL            string
	lastKeys           []string
}

func (f *fakeJira) Search(_ context.Context, jql string, _ []string, _ int) ([]jiraclient.Issue, error) {
	f.lastJQL = jql
	return f.searchIssues, nil
}

func (f *fakeJira) SearchByKeys(_ context.Context, keys []string, _ []string, _ int) ([]jiraclient.Issue, error) {
	f.lastKeys = keys
	return f.searchByKeysIssues, nil
}

type fakeLark struct {
	allRecords      []larkclient.Record
	availableFields []string
}

func (f *fakeLark) ListAllRecords(_ context.Context, _, _ string) ([]larkclient.Record, error) {
	return f.allRecords, nil
}

func (f *fakeLark) AvailableFieldNames(_ context.Context, _, _ string) ([]string, error) {
	return f.availableFields, nil
}

type fakeFieldProcessor struct{}

func (fakeFieldProcessor) Process(issueKey string, _ map[string]interface{}, _ []string, _ []string) map[string]interface{} {
	return map[string]interface{}{"Ticket": issueKey}
}

type fakeLarkWriter struct {
	createdIDs map[string]string
	failKeys   map[string]bool
}

func (f *fakeLarkWriter) CreateRecord(_ context.Context, _, _ string, fields map[string]interface{}, _ string) (string, error) {
	key := fields["Ticket"].(string)
	if f.failKeys[key] {
		return "", fmt.Errorf("simulated create failure for %s", key)
	}
	return f.createdIDs[key], nil
}

func (f *fakeLarkWriter) BatchCreateRecords(_ context.Context, _, _ string, records []map[string]interface{}, _ string) ([]string, []error) {
	if len(f.failKeys) > 0 {
		return nil, []error{fmt.Errorf("simulated batch create failure")}
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = f.createdIDs[r["Ticket"].(string)]
	}
	return ids, nil
}

func (f *fakeLarkWriter) UpdateRecord(_ context.Context, _, _, _ string, _ map[string]interface{}, _ string) error {
	return nil
}

func (f *fakeLarkWriter) BatchUpdateRecords(_ context.Context, _, _ string, _ []larkclient.RecordUpdate, _ string) []error {
	return nil
}

func (f *fakeLarkWriter) SprintFieldUIType(_ context.Context, _, _, _ string) string {
	return ""
}

func newIssue(key, updated string) jiraclient.Issue {
	return jiraclient.Issue{"key": key, "fields": map[string]interface{}{"updated": updated}}
}

func TestExecuteSyncWorkflow_NormalModeCommitsOnAllSuccess(t *testing.T) {
	dataDir := filepath.Join(t.TempDir())
	state := statemanager.New(dataDir)
	jira := &fakeJira{searchIssues: []jiraclient.Issue{newIssue("TP-1", "2025-01-08T03:45:23.000+0000")}}
	lark := &fakeLark{availableFields: []string{"Ticket"}}
	larkWriter := &fakeLarkWriter{createdIDs: map[string]string{"TP-1": "rec-1"}}
	batch := batchprocessor.New(larkWriter, fakeFieldProcessor{}, nil)
	mgr := workflow.New(state, batch, jira, lark)

	req := workflow.Request{
		TableID:                  "TBL1",
		ObjToken:                 "obj",
		JQL:                      "project = TP",
		RequiredFields:           []string{"key", "id", "self"},
		TicketFieldName:          "Ticket",
		EnableColdStartDetection: true,
		MaxResults:               100,
	}

	result, err := mgr.ExecuteSyncWorkflow(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteSyncWorkflow: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !result.IsCold {
		t.Errorf("expected cold start on an empty processing log")
	}
	if result.Totals.SuccessfulCreates != 1 {
		t.Errorf("expected 1 successful create, got %+v", result.Totals)
	}

	store, err := state.Store("TBL1")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	id, err := store.GetLarkRecordID("TP-1")
	if err != nil {
		t.Fatalf("reading record id: %v", err)
	}
	if id == nil || *id != "rec-1" {
		t.Errorf("expected TP-1 recorded with rec-1, got %v", id)
	}
}

func TestExecuteSyncWorkflow_AbortsTransactionOnAnyFailure(t *testing.T) {
	dataDir := filepath.Join(t.TempDir())
	state := statemanager.New(dataDir)
	jira := &fakeJira{searchIssues: []jiraclient.Issue{
		newIssue("TP-1", "2025-01-08T03:45:23.000+0000"),
		newIssue("TP-2", "2025-01-08T03:45:23.000+0000"),
	}}
	lark := &fakeLark{availableFields: []string{"Ticket"}}
	larkWriter := &fakeLarkWriter{
		createdIDs: map[string]string{"TP-1": "rec-1"},
		failKeys:   map[string]bool{"TP-2": true},
	}
	batch := batchprocessor.New(larkWriter, fakeFieldProcessor{}, nil)
	mgr := workflow.New(state, batch, jira, lark)

	req := workflow.Request{
		TableID:                  "TBL1",
		ObjToken:                 "obj",
		JQL:                      "project = TP",
		RequiredFields:           []string{"key", "id", "self"},
		TicketFieldName:          "Ticket",
		EnableColdStartDetection: true,
		MaxResults:               100,
	}

	result, err := mgr.ExecuteSyncWorkflow(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteSyncWorkflow: %v", err)
	}
	if result.Success {
		t.Fatalf("expected workflow to report failure, got %+v", result)
	}

	store, err := state.Store("TBL1")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	id, err := store.GetLarkRecordID("TP-1")
	if err != nil {
		t.Fatalf("reading record id: %v", err)
	}
	if id != nil {
		t.Errorf("expected no rows recorded when any operation fails (got TP-1=%v)", *id)
	}
}

func TestSingleIssueRequest_DisablesColdStartDetection(t *testing.T) {
	req := workflow.SingleIssueRequest("TBL1", "obj", "TP-42", []string{"key"}, "Ticket", nil)
	if req.EnableColdStartDetection {
		t.Errorf("expected cold start detection disabled for single-issue requests")
	}
	if req.JQL != "key = TP-42" {
		t.Errorf("unexpected jql: %q", req.JQL)
	}
}

func TestExecuteSyncWorkflow_FullUpdateFetchesByKeys(t *testing.T) {
	dataDir := filepath.Join(t.TempDir())
	state := statemanager.New(dataDir)
	jira := &fakeJira{searchByKeysIssues: []jiraclient.Issue{newIssue("TP-5", "2025-01-08T03:45:23.000+0000")}}
	lark := &fakeLark{
		availableFields: []string{"Ticket"},
		allRecords: []larkclient.Record{
			{RecordID: "rec-5", Fields: map[string]interface{}{"Ticket": "TP-5"}},
		},
	}
	larkWriter := &fakeLarkWriter{createdIDs: map[string]string{}}
	batch := batchprocessor.New(larkWriter, fakeFieldProcessor{}, nil)
	mgr := workflow.New(state, batch, jira, lark)

	req := workflow.Request{
		TableID:                  "TBL1",
		ObjToken:                 "obj",
		TicketFieldName:          "Ticket",
		FullUpdate:               true,
		EnableColdStartDetection: false,
	}

	result, err := mgr.ExecuteSyncWorkflow(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteSyncWorkflow: %v", err)
	}
	if len(jira.lastKeys) != 1 || jira.lastKeys[0] != "TP-5" {
		t.Fatalf("expected full-update to fetch by key TP-5, got %v", jira.lastKeys)
	}
	if result.Totals.SuccessfulUpdates != 1 {
		t.Errorf("expected rebuilt index to classify TP-5 as update, got %+v", result.Totals)
	}
}
