// Package coordinator is the daemon's composition root: it loads
// config, holds the long-lived per-process singletons
// (JIRA/Lark clients, field processors, user mappers, the shared
// StateManager and MetricsCollector), fans sync cycles out over teams
// with bounded parallelism, and runs the long-lived scheduling loop
// with a daily cleanup window and mtime-polled config reload.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/slack-go/slack"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/archive"
	"github.com/practo/larksync/pkg/batchprocessor"
	"github.com/practo/larksync/pkg/cleaner"
	"github.com/practo/larksync/pkg/config"
	"github.com/practo/larksync/pkg/fieldprocessor"
	"github.com/practo/larksync/pkg/jiraclient"
	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/metrics"
	"github.com/practo/larksync/pkg/statemanager"
	"github.com/practo/larksync/pkg/usercache"
	"github.com/practo/larksync/pkg/usermapper"
	"github.com/practo/larksync/pkg/workflow"
)

const (
	defaultTicketField  = "Issue Key"
	scanInterval        = 10 * time.Second
	configPollInterval  = 2 * time.Second
	maxConcurrentTeams  = 3
	retentionDays       = 30
	pendingLookupLimit  = 50
)

// userStatsAdapter adapts usercache.Store.Stats's concrete Stats return
// type to batchprocessor.UserMappingStatsProvider's interface{} return,
// since Go's method sets are not covariant.
type userStatsAdapter struct{ cache *usercache.Store }

func (a userStatsAdapter) Stats() (interface{}, error) { return a.cache.Stats() }

// tableKey identifies one (team,table) pair for scheduling.
type tableKey struct {
	team  string
	table string
}

// schedule tracks one table's next dispatch time across daemon ticks.
type schedule struct {
	nextSyncAt time.Time
}

// Coordinator owns every long-lived singleton and the daemon's
// scheduling state.
type Coordinator struct {
	configPath string

	mu     sync.RWMutex
	cfg    *config.Config
	schema *config.Schema
	fp     uint64 // config fingerprint, for mtime-poll change detection

	jira  *jiraclient.Client
	lark  *larkclient.Client
	state *statemanager.Manager

	userCache  *usercache.Store
	metricsDB  *metrics.Collector
	archiver   *archive.Archiver

	mappersMu sync.Mutex
	mappers   map[string]*usermapper.Mapper
	fieldProc map[string]*fieldprocessor.Processor
	batchProc map[string]*batchprocessor.Processor

	schedMu   sync.Mutex
	schedules map[tableKey]*schedule

	paused    atomic.Bool // set while the daily cleanup window runs
	cleanupMu sync.Mutex  // serializes cleanup window runs
	inFlight  sync.WaitGroup

	running bool
}

// New loads config.yaml at configPath and builds every singleton.
func New(configPath string) (*Coordinator, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	schema, err := config.LoadSchema(cfg.Global.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}

	c := &Coordinator{
		configPath: configPath,
		cfg:        cfg,
		schema:     schema,
		mappers:    make(map[string]*usermapper.Mapper),
		fieldProc:  make(map[string]*fieldprocessor.Processor),
		batchProc:  make(map[string]*batchprocessor.Processor),
		schedules:  make(map[tableKey]*schedule),
	}

	if err := c.wireSingletons(); err != nil {
		return nil, err
	}

	if fp, err := cfg.Fingerprint(); err == nil {
		c.fp = fp
	}

	return c, nil
}

func (c *Coordinator) wireSingletons() error {
	cfg := c.cfg

	c.jira = jiraclient.NewClient(cfg.Jira.ServerURL, cfg.Jira.Username, cfg.Jira.Password, cfg.JiraTimeout())
	c.lark = larkclient.NewClient(cfg.LarkBase.AppID, cfg.LarkBase.AppSecret)
	c.state = statemanager.New(cfg.Global.DataDirectory)

	if cfg.UserMapping.Enabled {
		store, err := usercache.Open(cfg.UserMapping.CacheDB)
		if err != nil {
			return fmt.Errorf("opening user cache: %w", err)
		}
		c.userCache = store
	}

	metricsDB, err := metrics.Open(cfg.Global.DataDirectory + "/sync_metrics.db")
	if err != nil {
		return fmt.Errorf("opening metrics store: %w", err)
	}
	c.metricsDB = metricsDB

	archiver, err := archive.New(archive.Config{
		Enabled:         cfg.Global.ArchiveConfig.Enabled,
		S3Bucket:        cfg.Global.ArchiveConfig.S3Bucket,
		S3Region:        cfg.Global.ArchiveConfig.S3Region,
		AccessKeyID:     cfg.Global.ArchiveConfig.AccessKeyID,
		SecretAccessKey: cfg.Global.ArchiveConfig.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("initializing archiver: %w", err)
	}
	c.archiver = archiver

	for teamName := range cfg.Teams {
		c.teamComponents(teamName)
	}

	return nil
}

// teamComponents lazily builds (and caches) the per-team UserMapper,
// FieldProcessor, and BatchProcessor. A FieldProcessor needs its team's
// UserMapper, so everything here is cached per team rather than per
// schema path.
func (c *Coordinator) teamComponents(teamName string) (*fieldprocessor.Processor, *batchprocessor.Processor) {
	c.mappersMu.Lock()
	defer c.mappersMu.Unlock()

	if fp, ok := c.fieldProc[teamName]; ok {
		return fp, c.batchProc[teamName]
	}

	var mapper *usermapper.Mapper
	if c.userCache != nil {
		mapper = usermapper.New(c.userCache, c.lark, c.cfg.UserMapping.Domains)
		c.mappers[teamName] = mapper
	}

	var um fieldprocessor.UserMapper
	if mapper != nil {
		um = mapper
	}
	fp := fieldprocessor.New(c.schema, c.cfg.Jira.ServerURL, c.cfg.IssueLinkRules, um)
	c.fieldProc[teamName] = fp

	var stats batchprocessor.UserMappingStatsProvider
	if c.userCache != nil {
		stats = userStatsAdapter{cache: c.userCache}
	}
	bp := batchprocessor.New(c.lark, fp, stats)
	c.batchProc[teamName] = bp

	return fp, bp
}

// SessionResult summarizes one syncAllTeams run.
type SessionResult struct {
	SessionID    string
	TeamsSynced  int
	TablesSynced int
	TablesFailed int
	TableResults map[string]workflow.Result
	Errors       map[string]error
}

// SyncAllTeams fans out over every enabled team with bounded
// parallelism (≤3 concurrent teams); within a team, tables run
// sequentially so one team's rate-limit budget stays coherent.
func (c *Coordinator) SyncAllTeams(ctx context.Context, fullUpdate bool) (SessionResult, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	sessionID := ""
	if c.metricsDB != nil {
		sessionID = c.metricsDB.NewSession()
	}

	result := SessionResult{
		SessionID:    sessionID,
		TableResults: make(map[string]workflow.Result),
		Errors:       make(map[string]error),
	}

	type teamOutcome struct {
		team    string
		tables  map[string]workflow.Result
		errs    map[string]error
	}

	teamNames := make([]string, 0, len(cfg.Teams))
	for name, team := range cfg.Teams {
		if team.Enabled {
			teamNames = append(teamNames, name)
		}
	}

	outcomes := make(chan teamOutcome, len(teamNames))
	sem := make(chan struct{}, maxConcurrentTeams)
	var wg sync.WaitGroup

	for _, name := range teamNames {
		name := name
		team := cfg.Teams[name]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			tables, errs := c.syncTeam(ctx, name, team, fullUpdate)
			outcomes <- teamOutcome{team: name, tables: tables, errs: errs}
		}()
	}

	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		result.TeamsSynced++
		for tableName, r := range o.tables {
			key := o.team + "/" + tableName
			result.TableResults[key] = r
			result.TablesSynced++
		}
		for tableName, err := range o.errs {
			key := o.team + "/" + tableName
			result.Errors[key] = err
			result.TablesFailed++
		}
	}

	if c.metricsDB != nil {
		c.metricsDB.FinishSession(sessionID, result.TeamsSynced, result.TablesSynced, result.TablesFailed)
	}

	return result, nil
}

// SyncTeam runs one team's enabled tables sequentially, for the `sync
// --team T` CLI command.
func (c *Coordinator) SyncTeam(ctx context.Context, teamName string, fullUpdate bool) (map[string]workflow.Result, map[string]error, error) {
	c.mu.RLock()
	team, ok := c.cfg.Teams[teamName]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown team %q", teamName)
	}

	tables, errs := c.syncTeam(ctx, teamName, team, fullUpdate)
	return tables, errs, nil
}

// SyncTable runs a single (team,table) cycle, for the `sync --team T
// --table X` CLI command.
func (c *Coordinator) SyncTable(ctx context.Context, teamName, tableName string, fullUpdate bool) (workflow.Result, error) {
	c.mu.RLock()
	team, ok := c.cfg.Teams[teamName]
	c.mu.RUnlock()
	if !ok {
		return workflow.Result{}, fmt.Errorf("unknown team %q", teamName)
	}
	table, ok := team.Tables[tableName]
	if !ok {
		return workflow.Result{}, fmt.Errorf("unknown table %q in team %q", tableName, teamName)
	}

	return c.syncTable(ctx, teamName, team, tableName, table, fullUpdate)
}

// syncTeam iterates a team's enabled tables sequentially, then drains
// any usernames the cycle marked pending so they resolve before the
// next cycle runs.
func (c *Coordinator) syncTeam(ctx context.Context, teamName string, team config.TeamConfig, fullUpdate bool) (map[string]workflow.Result, map[string]error) {
	tables := make(map[string]workflow.Result)
	errs := make(map[string]error)

	for tableName, table := range team.Tables {
		if !table.Enabled {
			continue
		}
		res, err := c.syncTable(ctx, teamName, team, tableName, table, fullUpdate)
		if err != nil {
			klog.Errorf("%s/%s: sync failed: %v", teamName, tableName, err)
			errs[tableName] = err
			continue
		}
		tables[tableName] = res
	}

	c.drainPendingUsers(ctx, teamName)

	return tables, errs
}

// drainPendingUsers resolves usernames the just-finished cycle left
// pending, so the next cycle's extract_user emits real ids instead of
// blanks.
func (c *Coordinator) drainPendingUsers(ctx context.Context, teamName string) {
	c.mappersMu.Lock()
	mapper := c.mappers[teamName]
	c.mappersMu.Unlock()
	if mapper == nil {
		return
	}

	if pending := mapper.ReportPending(); len(pending) > 0 {
		klog.Infof("%s: %d users newly pending lark lookup: %v", teamName, len(pending), pending)
	}

	processed, resolved, err := mapper.BatchLookupPending(ctx, pendingLookupLimit)
	if err != nil {
		klog.Warningf("%s: draining pending user lookups: %v", teamName, err)
		return
	}
	if processed > 0 {
		klog.Infof("%s: pending user lookups drained: %d processed, %d resolved", teamName, processed, resolved)
	}
}

// syncTable runs one table's sync cycle end-to-end, recording its
// outcome to MetricsCollector.
func (c *Coordinator) syncTable(ctx context.Context, teamName string, team config.TeamConfig, tableName string, table config.TableConfig, fullUpdate bool) (workflow.Result, error) {
	start := time.Now()

	c.mu.RLock()
	schema := c.schema
	maxResults := c.cfg.Jira.MaxResults
	c.mu.RUnlock()

	objToken, err := c.lark.ResolveObjToken(ctx, team.WikiToken)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("resolving obj_token for %s: %w", teamName, err)
	}

	_, bp := c.teamComponents(teamName)
	mgr := workflow.New(c.state, bp, c.jira, c.lark)

	ticketField := table.TicketField
	if ticketField == "" {
		ticketField = defaultTicketField
	}

	req := workflow.Request{
		TableID:                  table.TableID,
		ObjToken:                 objToken,
		JQL:                      table.JQLQuery,
		RequiredFields:           schema.RequiredJiraFields(table.ExcludedFields),
		TicketFieldName:          ticketField,
		ExcludedFields:           table.ExcludedFields,
		FullUpdate:               fullUpdate,
		EnableColdStartDetection: !fullUpdate,
		MaxResults:               maxResults,
	}

	res, err := mgr.ExecuteSyncWorkflow(ctx, req)

	if c.metricsDB != nil {
		tm := metrics.TableMetrics{
			Team:       teamName,
			TableID:    table.TableID,
			StartedAt:  start.UnixMilli(),
			FinishedAt: time.Now().UnixMilli(),
			Success:    err == nil && res.Success,
			Created:    res.Totals.SuccessfulCreates,
			Updated:    res.Totals.SuccessfulUpdates,
			Failed:     res.Totals.FailedOperations,
			IsCold:     res.IsCold,
		}
		if err != nil {
			tm.Error = err.Error()
		}
		c.metricsDB.RecordTable(tm)
	}

	return res, err
}

// SyncSingleIssue implements the `issue` CLI command: a one-shot
// `key = X` sync reusing the same workflow as a full table sync.
func (c *Coordinator) SyncSingleIssue(ctx context.Context, teamName, tableName, issueKey string) (workflow.Result, error) {
	c.mu.RLock()
	team, ok := c.cfg.Teams[teamName]
	c.mu.RUnlock()
	if !ok {
		return workflow.Result{}, fmt.Errorf("unknown team %q", teamName)
	}
	table, ok := team.Tables[tableName]
	if !ok {
		return workflow.Result{}, fmt.Errorf("unknown table %q in team %q", tableName, teamName)
	}

	objToken, err := c.lark.ResolveObjToken(ctx, team.WikiToken)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("resolving obj_token for %s: %w", teamName, err)
	}

	_, bp := c.teamComponents(teamName)
	mgr := workflow.New(c.state, bp, c.jira, c.lark)

	ticketField := table.TicketField
	if ticketField == "" {
		ticketField = defaultTicketField
	}

	req := workflow.SingleIssueRequest(
		table.TableID, objToken, issueKey,
		c.schema.RequiredJiraFields(table.ExcludedFields),
		ticketField, table.ExcludedFields,
	)
	return mgr.ExecuteSyncWorkflow(ctx, req)
}

// RebuildCache implements the `cache --rebuild` CLI command:
// wipes and rebuilds a table's ProcessingLog from the target's current
// contents.
func (c *Coordinator) RebuildCache(ctx context.Context, teamName, tableName string) error {
	c.mu.RLock()
	team, ok := c.cfg.Teams[teamName]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown team %q", teamName)
	}
	table, ok := team.Tables[tableName]
	if !ok {
		return fmt.Errorf("unknown table %q in team %q", tableName, teamName)
	}

	objToken, err := c.lark.ResolveObjToken(ctx, team.WikiToken)
	if err != nil {
		return fmt.Errorf("resolving obj_token for %s: %w", teamName, err)
	}

	records, err := c.lark.ListAllRecords(ctx, objToken, table.TableID)
	if err != nil {
		return fmt.Errorf("listing records for %s/%s: %w", teamName, tableName, err)
	}

	ticketField := table.TicketField
	if ticketField == "" {
		ticketField = defaultTicketField
	}
	return c.state.PrepareColdStart(table.TableID, records, ticketField, true)
}

// RunDaemon runs the long-lived scheduling loop: every
// scanInterval, tables whose nextSyncAt has elapsed are dispatched
// concurrently; the daily cleanup window and config-reload watcher run
// alongside it. Returns when ctx is cancelled, after in-flight syncs
// drain.
func (c *Coordinator) RunDaemon(ctx context.Context) error {
	c.running = true
	defer func() { c.running = false }()

	cronSched, err := c.startCleanupCron(ctx)
	if err != nil {
		return fmt.Errorf("scheduling cleanup window: %w", err)
	}
	defer cronSched.Stop()

	go c.watchConfigFile(ctx)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	klog.Info("daemon started")
	for {
		select {
		case <-ctx.Done():
			klog.Info("daemon stopping, draining in-flight syncs")
			c.inFlight.Wait()
			klog.Info("daemon stopped")
			return nil
		case <-ticker.C:
			c.dispatchDue(ctx)
		}
	}
}

// dispatchDue launches a goroutine for every enabled table whose
// nextSyncAt has elapsed, unless the daemon is paused for cleanup.
func (c *Coordinator) dispatchDue(ctx context.Context) {
	if c.paused.Load() {
		return
	}

	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	now := time.Now()
	for teamName, team := range cfg.Teams {
		if !team.Enabled {
			continue
		}
		for tableName, table := range team.Tables {
			if !table.Enabled {
				continue
			}
			key := tableKey{team: teamName, table: tableName}
			sched := c.scheduleFor(key)
			if now.Before(sched.nextSyncAt) {
				continue
			}

			interval := cfg.SyncIntervalFor(team, table)
			c.inFlight.Add(1)
			go func(teamName string, team config.TeamConfig, tableName string, table config.TableConfig, key tableKey, interval time.Duration) {
				defer c.inFlight.Done()

				_, err := c.syncTable(ctx, teamName, team, tableName, table, false)

				c.schedMu.Lock()
				if err != nil {
					c.schedules[key].nextSyncAt = time.Now().Add(60 * time.Second)
				} else {
					c.schedules[key].nextSyncAt = time.Now().Add(interval)
				}
				c.schedMu.Unlock()
			}(teamName, team, tableName, table, key, interval)
		}
	}
}

func (c *Coordinator) scheduleFor(key tableKey) *schedule {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	s, ok := c.schedules[key]
	if !ok {
		s = &schedule{nextSyncAt: time.Time{}} // zero time: immediate first run
		c.schedules[key] = s
	}
	return s
}

// startCleanupCron schedules the daily cleanup window using the
// configured cron expression, defaulting to midnight local time.
func (c *Coordinator) startCleanupCron(ctx context.Context) (*cron.Cron, error) {
	c.mu.RLock()
	expr := c.cfg.Global.CleanupCron
	cleanupTime := c.cfg.Global.CleanupTime
	c.mu.RUnlock()

	if expr == "" {
		expr = cronExprFromTime(cleanupTime)
	}

	sched := cron.New()
	_, err := sched.AddFunc(expr, func() {
		c.runCleanupWindow(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing cleanup schedule %q: %w", expr, err)
	}
	sched.Start()
	return sched, nil
}

// cronExprFromTime turns a "HH:MM" wall-clock string into a daily cron
// expression, defaulting to midnight on any parse problem.
func cronExprFromTime(hhmm string) string {
	var hour, minute int
	if hhmm == "" {
		return "0 0 * * *"
	}
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return "0 0 * * *"
	}
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// runCleanupWindow pauses new dispatch, drains in-flight syncs, runs
// the table-scan cleaner over every enabled table, then unpauses.
func (c *Coordinator) runCleanupWindow(ctx context.Context) {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	klog.Info("cleanup window starting, pausing new dispatch")
	c.paused.Store(true)
	defer c.paused.Store(false)

	c.inFlight.Wait()

	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	cl := cleaner.New(c.lark, c.jira, c.state)

	var reports []cleaner.Report
	var failures []string
	for teamName, team := range cfg.Teams {
		if !team.Enabled {
			continue
		}
		objToken, err := c.lark.ResolveObjToken(ctx, team.WikiToken)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: resolving obj_token: %v", teamName, err))
			continue
		}
		for tableName, table := range team.Tables {
			if !table.Enabled {
				continue
			}
			ticketField := table.TicketField
			if ticketField == "" {
				ticketField = defaultTicketField
			}
			report, err := cl.Clean(ctx, objToken, table.TableID, ticketField)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s/%s: %v", teamName, tableName, err))
				continue
			}
			reports = append(reports, report)
		}
	}

	c.runRetentionSweep(ctx)

	klog.Infof("cleanup window finished: %d tables cleaned, %d failures", len(reports), len(failures))
	c.notifyCleanupResult(reports, failures)
}

// runRetentionSweep prunes rows older than retentionDays from every
// cached ProcessingLog and from MetricsCollector, archiving them first
// when archival is enabled.
func (c *Coordinator) runRetentionSweep(ctx context.Context) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	for _, team := range cfg.Teams {
		if !team.Enabled {
			continue
		}
		for _, table := range team.Tables {
			if !table.Enabled {
				continue
			}
			store, err := c.state.Store(table.TableID)
			if err != nil {
				klog.Warningf("retention sweep: opening processing log for %s: %v", table.TableID, err)
				continue
			}
			stale, err := store.CleanupOlderThan(ctx, retentionDays)
			if err != nil {
				klog.Warningf("retention sweep: cleaning up %s: %v", table.TableID, err)
				continue
			}
			if len(stale) == 0 {
				continue
			}
			if c.archiver != nil {
				key := archive.KeyFor("processing_log", table.TableID, time.Now())
				if err := c.archiver.ArchiveRows(key, stale); err != nil {
					klog.Warningf("archiving pruned rows for %s: %v", table.TableID, err)
				}
			}
		}
	}

	if c.metricsDB != nil {
		stale, err := c.metricsDB.CleanupOlderThan(retentionDays)
		if err != nil {
			klog.Warningf("retention sweep: cleaning up metrics: %v", err)
		} else if len(stale) > 0 && c.archiver != nil {
			key := archive.KeyFor("table_metrics", "all", time.Now())
			if err := c.archiver.ArchiveRows(key, stale); err != nil {
				klog.Warningf("archiving pruned metrics for retention sweep: %v", err)
			}
		}
	}
}

// notifyCleanupResult posts a one-line summary to the configured Slack
// webhook, a no-op when unset.
func (c *Coordinator) notifyCleanupResult(reports []cleaner.Report, failures []string) {
	c.mu.RLock()
	webhook := c.cfg.Global.SlackWebhookURL
	c.mu.RUnlock()

	if webhook == "" {
		return
	}

	text := fmt.Sprintf("larksync cleanup window: %d tables cleaned, %d failures", len(reports), len(failures))
	if len(failures) > 0 {
		text += fmt.Sprintf(" (%v)", failures)
	}

	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhook(webhook, msg); err != nil {
		klog.Warningf("posting cleanup notification to slack: %v", err)
	}
}

// notifyConfigReloadFailure posts a Slack alert when a config reload
// fails fatally, and always logs regardless of Slack configuration.
func (c *Coordinator) notifyConfigReloadFailure(err error) {
	klog.Errorf("config reload failed: %v", err)

	c.mu.RLock()
	webhook := c.cfg.Global.SlackWebhookURL
	c.mu.RUnlock()
	if webhook == "" {
		return
	}

	msg := &slack.WebhookMessage{Text: fmt.Sprintf("larksync config reload failed: %v", err)}
	if postErr := slack.PostWebhook(webhook, msg); postErr != nil {
		klog.Warningf("posting config-reload-failure notification to slack: %v", postErr)
	}
}

// watchConfigFile polls the config file's mtime every configPollInterval
// and reloads on change, preserving per-table scheduling state for
// tables that still exist.
func (c *Coordinator) watchConfigFile(ctx context.Context) {
	info, err := os.Stat(c.configPath)
	if err != nil {
		klog.Warningf("config watcher: stat %s: %v", c.configPath, err)
		return
	}
	lastMod := info.ModTime()

	ticker := time.NewTicker(configPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(c.configPath)
			if err != nil {
				klog.Warningf("config watcher: stat %s: %v", c.configPath, err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			if err := c.reload(); err != nil {
				c.notifyConfigReloadFailure(err)
			}
		}
	}
}

// reload re-reads config.yaml and the schema file, and if the content
// actually changed (by Fingerprint, not just mtime), swaps the
// Coordinator's config/derived singletons while preserving every
// existing table's scheduling state.
func (c *Coordinator) reload() error {
	newCfg, err := config.Load(c.configPath, nil)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	newFp, err := newCfg.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprinting reloaded config: %w", err)
	}

	c.mu.RLock()
	unchanged := newFp == c.fp
	c.mu.RUnlock()
	if unchanged {
		return nil
	}

	newSchema, err := config.LoadSchema(newCfg.Global.SchemaFile)
	if err != nil {
		return fmt.Errorf("reloading schema: %w", err)
	}

	c.mu.Lock()
	c.cfg = newCfg
	c.schema = newSchema
	c.fp = newFp
	c.mu.Unlock()

	c.mappersMu.Lock()
	c.mappers = make(map[string]*usermapper.Mapper)
	c.fieldProc = make(map[string]*fieldprocessor.Processor)
	c.batchProc = make(map[string]*batchprocessor.Processor)
	c.mappersMu.Unlock()

	klog.Infof("config reloaded from %s", c.configPath)
	return nil
}

// Status summarizes the Coordinator's current state for the `status`
// CLI command.
type Status struct {
	Running    bool
	Teams      int
	Tables     int
	ConfigPath string
}

// Status returns a snapshot summary.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tables := 0
	for _, t := range c.cfg.Teams {
		tables += len(t.Tables)
	}
	return Status{
		Running:    c.running,
		Teams:      len(c.cfg.Teams),
		Tables:     tables,
		ConfigPath: c.configPath,
	}
}

// MetricsSummary reports the trailing-N-day sync summary for the
// `status` CLI command, an empty Summary if metrics aren't
// enabled.
func (c *Coordinator) MetricsSummary(days int) (metrics.Summary, error) {
	if c.metricsDB == nil {
		return metrics.Summary{Days: days}, nil
	}
	return c.metricsDB.SummaryOverDays(days)
}

// Close releases every owned storage handle.
func (c *Coordinator) Close() {
	if c.userCache != nil {
		_ = c.userCache.Close()
	}
	if c.metricsDB != nil {
		_ = c.metricsDB.Close()
	}
}
