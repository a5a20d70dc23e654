package batchprocessor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/practo/larksync/pkg/batchprocessor"
	"github.com/practo/larksync/pkg/larkclient"
)

type fakeFieldProcessor struct{}

func (fakeFieldProcessor) Process(issueKey string, fields map[string]interface{}, _ []string, _ []string) map[string]interface{} {
	return map[string]interface{}{"Ticket": issueKey}
}

type fakeLarkWriter struct {
	createErr        error
	batchCreateIDs   []string
	batchCreateErrs  []error
	individualIDs    map[string]string
	batchUpdateErrs  []error
	createCalls      int
	batchCreateCalls int
	batchUpdateCalls int
}

func (f *fakeLarkWriter) CreateRecord(_ context.Context, _, _ string, fields map[string]interface{}, _ string) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	key := fields["Ticket"].(string)
	if id, ok := f.individualIDs[key]; ok {
		return id, nil
	}
	return "rec-" + key, nil
}

func (f *fakeLarkWriter) BatchCreateRecords(_ context.Context, _, _ string, records []map[string]interface{}, _ string) ([]string, []error) {
	f.batchCreateCalls++
	return f.batchCreateIDs, f.batchCreateErrs
}

func (f *fakeLarkWriter) UpdateRecord(_ context.Context, _, _, _ string, _ map[string]interface{}, _ string) error {
	return nil
}

func (f *fakeLarkWriter) BatchUpdateRecords(_ context.Context, _, _ string, updates []larkclient.RecordUpdate, _ string) []error {
	f.batchUpdateCalls++
	return f.batchUpdateErrs
}

func (f *fakeLarkWriter) SprintFieldUIType(_ context.Context, _, _, _ string) string {
	return "Number"
}

func TestProcess_BatchCreateSucceeds(t *testing.T) {
	lark := &fakeLarkWriter{batchCreateIDs: []string{"rec-A", "rec-B"}}
	p := batchprocessor.New(lark, fakeFieldProcessor{}, nil)

	ops := []batchprocessor.Operation{
		{IssueKey: "TP-1", OpType: batchprocessor.OpCreate},
		{IssueKey: "TP-2", OpType: batchprocessor.OpCreate},
	}

	results, counters := p.Process(context.Background(), "obj", "tbl", ops, nil, nil)

	if counters.SuccessfulCreates != 2 {
		t.Fatalf("expected 2 successful creates, got %d", counters.SuccessfulCreates)
	}
	if lark.createCalls != 0 {
		t.Fatalf("expected no individual create fallback, got %d calls", lark.createCalls)
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result[%d] expected success, got err %v", i, r.Err)
		}
	}
}

func TestProcess_BatchCreateFailureFallsBackToIndividual(t *testing.T) {
	lark := &fakeLarkWriter{
		batchCreateIDs:  nil,
		batchCreateErrs: []error{errors.New("chunk failed")},
		individualIDs:   map[string]string{"TP-1": "rec-1", "TP-2": "rec-2"},
	}
	p := batchprocessor.New(lark, fakeFieldProcessor{}, nil)

	ops := []batchprocessor.Operation{
		{IssueKey: "TP-1", OpType: batchprocessor.OpCreate},
		{IssueKey: "TP-2", OpType: batchprocessor.OpCreate},
	}

	results, counters := p.Process(context.Background(), "obj", "tbl", ops, nil, nil)

	if lark.createCalls != 2 {
		t.Fatalf("expected individual fallback for both rows, got %d calls", lark.createCalls)
	}
	if counters.SuccessfulCreates != 2 {
		t.Fatalf("expected 2 successful creates via fallback, got %d", counters.SuccessfulCreates)
	}
	if results[0].RecordID != "rec-1" || results[1].RecordID != "rec-2" {
		t.Errorf("unexpected record ids: %+v", results)
	}
}

func TestProcess_IndividualCreateFallbackIsolatesPoisonRow(t *testing.T) {
	lark := &fakeLarkWriter{
		batchCreateErrs: []error{errors.New("chunk failed")},
		createErr:       errors.New("poison row"),
	}
	p := batchprocessor.New(lark, fakeFieldProcessor{}, nil)

	ops := []batchprocessor.Operation{
		{IssueKey: "TP-1", OpType: batchprocessor.OpCreate},
	}

	results, counters := p.Process(context.Background(), "obj", "tbl", ops, nil, nil)

	if counters.FailedOperations != 1 {
		t.Fatalf("expected 1 failed operation, got %d", counters.FailedOperations)
	}
	if results[0].Success {
		t.Fatalf("expected failure result, got success")
	}
}

func TestProcess_UpdatesSplitFromCreates(t *testing.T) {
	lark := &fakeLarkWriter{batchCreateIDs: []string{"rec-new"}}
	p := batchprocessor.New(lark, fakeFieldProcessor{}, nil)

	ops := []batchprocessor.Operation{
		{IssueKey: "TP-1", OpType: batchprocessor.OpCreate},
		{IssueKey: "TP-2", OpType: batchprocessor.OpUpdate, RecordID: "rec-existing"},
	}

	results, counters := p.Process(context.Background(), "obj", "tbl", ops, nil, nil)

	if counters.SuccessfulCreates != 1 || counters.SuccessfulUpdates != 1 {
		t.Fatalf("expected 1 create and 1 update, got %+v", counters)
	}
	if results[1].RecordID != "rec-existing" {
		t.Errorf("expected update to keep its existing record id, got %q", results[1].RecordID)
	}
	if lark.batchCreateCalls != 1 || lark.batchUpdateCalls != 1 {
		t.Fatalf("expected exactly one batch create and one batch update call, got create=%d update=%d", lark.batchCreateCalls, lark.batchUpdateCalls)
	}
}

func TestProcess_BatchUpdateFailureMarksAllUpdatesFailed(t *testing.T) {
	lark := &fakeLarkWriter{batchUpdateErrs: []error{errors.New("chunk failed")}}
	p := batchprocessor.New(lark, fakeFieldProcessor{}, nil)

	ops := []batchprocessor.Operation{
		{IssueKey: "TP-1", OpType: batchprocessor.OpUpdate, RecordID: "rec-1"},
		{IssueKey: "TP-2", OpType: batchprocessor.OpUpdate, RecordID: "rec-2"},
	}

	results, counters := p.Process(context.Background(), "obj", "tbl", ops, nil, nil)

	if counters.FailedOperations != 2 {
		t.Fatalf("expected both updates marked failed, got %d", counters.FailedOperations)
	}
	for i, r := range results {
		if r.Success {
			t.Errorf("result[%d] expected failure", i)
		}
	}
}
