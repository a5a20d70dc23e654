package statemanager_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/practo/larksync/pkg/batchprocessor"
	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/processinglog"
	"github.com/practo/larksync/pkg/statemanager"
)

func newIssue(key, updated string) jiraclient.Issue {
	return jiraclient.Issue{
		"key": key,
		"fields": map[string]interface{}{
			"updated": updated,
		},
	}
}

type fakeLarkReader struct {
	records []larkclient.Record
}

func (f *fakeLarkReader) ListAllRecords(_ context.Context, _, _ string) ([]larkclient.Record, error) {
	return f.records, nil
}

var _ = Describe("Manager", func() {
	var (
		dataDir string
		m       *statemanager.Manager
	)

	BeforeEach(func() {
		var err error
		dataDir, err = ioutil.TempDir("", "statemanager")
		Expect(err).NotTo(HaveOccurred())
		m = statemanager.New(dataDir)
	})

	AfterEach(func() {
		os.RemoveAll(dataDir)
	})

	Describe("IsColdStart", func() {
		It("is true for a table with no processing log rows", func() {
			Expect(m.IsColdStart("TBL1")).To(BeTrue())
		})

		It("is false once a recent row exists", func() {
			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Record("TP-1", 1000, processinglog.ResultSuccess, nil)).To(Succeed())

			Expect(m.IsColdStart("TBL1")).To(BeFalse())
		})
	})

	Describe("PrepareColdStart", func() {
		It("seeds rows from target records with a string ticket field", func() {
			records := []larkclient.Record{
				{RecordID: "rec-1", Fields: map[string]interface{}{"Ticket": "TP-1"}},
				{RecordID: "rec-2", Fields: map[string]interface{}{"Ticket": "TP-2"}},
			}
			Expect(m.PrepareColdStart("TBL1", records, "Ticket", false)).To(Succeed())

			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			id, err := store.GetLarkRecordID("TP-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*id).To(Equal("rec-1"))
		})

		It("extracts the key from a hyperlink object ticket field", func() {
			records := []larkclient.Record{
				{RecordID: "rec-9", Fields: map[string]interface{}{
					"Ticket": map[string]interface{}{"text": "TP-9", "link": "https://jira.example.com/browse/TP-9"},
				}},
			}
			Expect(m.PrepareColdStart("TBL1", records, "Ticket", false)).To(Succeed())

			store, _ := m.Store("TBL1")
			id, err := store.GetLarkRecordID("TP-9")
			Expect(err).NotTo(HaveOccurred())
			Expect(*id).To(Equal("rec-9"))
		})

		It("skips rows with no extractable ticket key", func() {
			records := []larkclient.Record{
				{RecordID: "rec-0", Fields: map[string]interface{}{"Ticket": nil}},
			}
			Expect(m.PrepareColdStart("TBL1", records, "Ticket", false)).To(Succeed())

			store, _ := m.Store("TBL1")
			n, err := store.RowCount()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(0)))
		})

		It("clears the cache first when clearCache is true", func() {
			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Record("STALE-1", 1, processinglog.ResultSuccess, nil)).To(Succeed())

			Expect(m.PrepareColdStart("TBL1", nil, "Ticket", true)).To(Succeed())

			n, err := store.RowCount()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(0)))
		})
	})

	Describe("FilterIssuesForProcessing", func() {
		const updated = "2025-01-08T03:45:23.000+0000"

		It("drops issues not newer than their recorded timestamp and keeps unknown keys", func() {
			ts, ok := processinglog.ParseJiraTimestamp(updated)
			Expect(ok).To(BeTrue())

			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Record("TP-1", ts, processinglog.ResultSuccess, nil)).To(Succeed())

			issues := []jiraclient.Issue{
				newIssue("TP-1", updated), // unchanged since last sync
				newIssue("TP-2", updated), // never seen
			}
			filtered, stats, err := m.FilterIssuesForProcessing("TBL1", issues)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(2))
			Expect(stats.Skipped).To(Equal(1))
			Expect(filtered).To(HaveLen(1))
			Expect(filtered[0].Key()).To(Equal("TP-2"))
		})

		It("keeps a known issue whose timestamp advanced", func() {
			ts, _ := processinglog.ParseJiraTimestamp(updated)

			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Record("TP-1", ts-1, processinglog.ResultSuccess, nil)).To(Succeed())

			filtered, _, err := m.FilterIssuesForProcessing("TBL1", []jiraclient.Issue{newIssue("TP-1", updated)})
			Expect(err).NotTo(HaveOccurred())
			Expect(filtered).To(HaveLen(1))
		})

		It("keeps an issue with an unparsable timestamp", func() {
			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Record("TP-1", 1<<60, processinglog.ResultSuccess, nil)).To(Succeed())

			filtered, _, err := m.FilterIssuesForProcessing("TBL1", []jiraclient.Issue{newIssue("TP-1", "not-a-date")})
			Expect(err).NotTo(HaveOccurred())
			Expect(filtered).To(HaveLen(1))
		})
	})

	Describe("DetermineSyncOperations", func() {
		It("classifies a known key as update and an unknown key as create", func() {
			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			recID := "rec-1"
			Expect(store.Record("TP-1", 1000, processinglog.ResultSuccess, &recID)).To(Succeed())

			issues := []jiraclient.Issue{
				newIssue("TP-1", "2025-01-08T03:45:23.000+0000"),
				newIssue("TP-2", "2025-01-08T03:45:23.000+0000"),
			}
			ops, err := m.DetermineSyncOperations("TBL1", issues)
			Expect(err).NotTo(HaveOccurred())
			Expect(ops).To(HaveLen(2))
			Expect(ops[0].OpType).To(Equal(batchprocessor.OpUpdate))
			Expect(ops[0].RecordID).To(Equal("rec-1"))
			Expect(ops[1].OpType).To(Equal(batchprocessor.OpCreate))
		})
	})

	Describe("DetermineSyncOperationsWithForceUpdate", func() {
		It("rebuilds the index from the target and classifies against it", func() {
			lark := &fakeLarkReader{records: []larkclient.Record{
				{RecordID: "rec-5", Fields: map[string]interface{}{"Ticket": "TP-5"}},
			}}

			issues := []jiraclient.Issue{newIssue("TP-5", "2025-01-08T03:45:23.000+0000")}
			ops, err := m.DetermineSyncOperationsWithForceUpdate(context.Background(), "TBL1", issues, lark, "obj-token", "Ticket")
			Expect(err).NotTo(HaveOccurred())
			Expect(ops).To(HaveLen(1))
			Expect(ops[0].OpType).To(Equal(batchprocessor.OpUpdate))
			Expect(ops[0].RecordID).To(Equal("rec-5"))
		})

		It("falls back to create when an issue is absent from the rebuilt index", func() {
			lark := &fakeLarkReader{records: nil}

			issues := []jiraclient.Issue{newIssue("TP-7", "2025-01-08T03:45:23.000+0000")}
			ops, err := m.DetermineSyncOperationsWithForceUpdate(context.Background(), "TBL1", issues, lark, "obj-token", "Ticket")
			Expect(err).NotTo(HaveOccurred())
			Expect(ops).To(HaveLen(1))
			Expect(ops[0].OpType).To(Equal(batchprocessor.OpCreate))
		})
	})

	Describe("RecordSyncResultsWithTransaction", func() {
		It("writes only successful results", func() {
			store, err := m.Store("TBL1")
			Expect(err).NotTo(HaveOccurred())
			txn, err := store.BeginTransaction()
			Expect(err).NotTo(HaveOccurred())

			results := []batchprocessor.SyncResult{
				{IssueKey: "TP-1", Success: true, RecordID: "rec-1", JiraUpdatedTime: "2025-01-08T03:45:23.000+0000"},
				{IssueKey: "TP-2", Success: false},
			}
			Expect(m.RecordSyncResultsWithTransaction("TBL1", results, txn)).To(Succeed())
			Expect(txn.Commit(store)).To(Succeed())

			id, err := store.GetLarkRecordID("TP-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(BeNil())

			id2, err := store.GetLarkRecordID("TP-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(id2).To(BeNil())
		})
	})

	It("uses a distinct sqlite file per table", func() {
		_, err := m.Store("TBL-A")
		Expect(err).NotTo(HaveOccurred())
		_, err = m.Store("TBL-B")
		Expect(err).NotTo(HaveOccurred())

		Expect(filepath.Join(dataDir, "processing_log_TBL-A.db")).To(BeAnExistingFile())
		Expect(filepath.Join(dataDir, "processing_log_TBL-B.db")).To(BeAnExistingFile())
	})
})
