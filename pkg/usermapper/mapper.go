// Package usermapper implements JIRA-to-Lark identity resolution:
// username derivation from a JIRA user object, a non-blocking
// cache-first lookup that marks misses pending instead of stalling a
// sync cycle, and an out-of-band PerformLookup that walks the
// configured domain list and tombstones exhausted usernames as empty.
package usermapper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/larkclient"
	"github.com/practo/larksync/pkg/usercache"
)

// LarkUserGetter is the subset of larkclient.Client this package needs,
// declared narrowly so tests can substitute a fake without standing up
// a real Lark client.
type LarkUserGetter interface {
	GetUserByEmail(ctx context.Context, email string) (*larkclient.User, error)
}

// Mapper resolves JIRA user objects (assignee/reporter/creator) to the
// Lark Base person-field format, backed by a process-global
// usercache.Store so a resolved identity is never looked up twice.
type Mapper struct {
	cache   *usercache.Store
	lark    LarkUserGetter
	domains []string

	mu      sync.Mutex
	pending map[string]struct{}
}

// New builds a Mapper. domains is the configured user_mapping.domains
// list, tried in order by performLookup until one resolves.
func New(cache *usercache.Store, lark LarkUserGetter, domains []string) *Mapper {
	return &Mapper{
		cache:   cache,
		lark:    lark,
		domains: domains,
		pending: make(map[string]struct{}),
	}
}

// ExtractUsername derives a username from a JIRA user object: prefer
// emailAddress (substring before '@'), else name (trimmed), else fail.
func ExtractUsername(jiraUser map[string]interface{}) (string, bool) {
	if jiraUser == nil {
		return "", false
	}

	if email, ok := jiraUser["emailAddress"].(string); ok && email != "" {
		return usernameFromIdentifier(email), true
	}

	if name, ok := jiraUser["name"].(string); ok && name != "" {
		return usernameFromIdentifier(name), true
	}

	return "", false
}

func usernameFromIdentifier(identifier string) string {
	if idx := strings.Index(identifier, "@"); idx >= 0 {
		return identifier[:idx]
	}
	return strings.TrimSpace(identifier)
}

// MapJiraUser implements fieldprocessor.UserMapper. It never blocks on
// a network call: a cache miss is recorded as pending and an empty
// slice is returned, matching find_lark_user_by_username's
// "cache-first, non-blocking" contract.
func (m *Mapper) MapJiraUser(jiraUser map[string]interface{}) []map[string]string {
	username, ok := ExtractUsername(jiraUser)
	if !ok {
		if displayName, _ := jiraUser["displayName"].(string); displayName != "" {
			klog.Warningf("jira user missing emailAddress and name: %s", displayName)
		} else {
			klog.Warningf("jira user missing emailAddress and name")
		}
		return []map[string]string{}
	}

	entry, err := m.cache.Get(username)
	if err != nil {
		klog.Errorf("reading user cache for %s: %v", username, err)
		return []map[string]string{}
	}

	if entry == nil {
		m.markPending(username)
		return []map[string]string{}
	}

	if entry.IsEmpty || entry.IsPending {
		return []map[string]string{}
	}

	if entry.LarkUser == "" {
		klog.Errorf("user cache entry for %s missing lark_user_id", username)
		return []map[string]string{}
	}

	return []map[string]string{{"id": entry.LarkUser}}
}

func (m *Mapper) markPending(username string) {
	entry, err := m.cache.Get(username)
	if err == nil && entry != nil && entry.IsPending {
		return
	}

	if err := m.cache.SetPending(username); err != nil {
		klog.Errorf("marking user %s pending: %v", username, err)
		return
	}

	m.mu.Lock()
	m.pending[username] = struct{}{}
	m.mu.Unlock()

	klog.V(3).Infof("marked user as pending lookup: %s", username)
}

// PerformLookup runs the out-of-band resolution for one username,
// trying every configured domain in order. A domain of the form
// ".suffix@domain" composes to "username.suffix@domain"; any other
// domain composes to "username@domain". The first domain that resolves
// to a Lark user wins and is cached as resolved; exhausting every
// domain tombstones the username as empty.
func (m *Mapper) PerformLookup(ctx context.Context, username string) error {
	if len(m.domains) == 0 {
		klog.Warningf("no user_mapping domains configured, cannot resolve %s", username)
		return m.cache.SetEmpty(username)
	}

	for _, domain := range m.domains {
		email := composeEmail(username, domain)

		klog.V(4).Infof("looking up lark user: %s", email)
		larkUser, err := m.lark.GetUserByEmail(ctx, email)
		if err != nil {
			klog.V(4).Infof("lark user lookup failed for %s: %v", email, err)
			continue
		}
		if larkUser == nil {
			continue
		}

		if err := m.cache.SetResolved(username, email, larkUser.UserID, larkUser.Name); err != nil {
			return fmt.Errorf("caching resolved user %s: %w", username, err)
		}
		klog.Infof("resolved lark user: %s -> %s", username, email)
		return nil
	}

	klog.Warningf("all domains failed to resolve user %s (tried %v)", username, m.domains)
	return m.cache.SetEmpty(username)
}

func composeEmail(username, domain string) string {
	if strings.HasPrefix(domain, ".") {
		idx := strings.Index(domain, "@")
		if idx >= 0 {
			return fmt.Sprintf("%s%s", username, domain)
		}
	}
	return fmt.Sprintf("%s@%s", username, domain)
}

// ReportPending returns every username marked pending during the
// current process lifetime and clears the in-memory set, mirroring
// report_pending_users's read-and-clear contract.
func (m *Mapper) ReportPending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil
	}

	users := make([]string, 0, len(m.pending))
	for u := range m.pending {
		users = append(users, u)
	}
	m.pending = make(map[string]struct{})
	return users
}

// BatchLookupPending resolves up to limit currently-pending usernames
// (read from the durable cache, not just this process's in-memory
// set), matching batch_lookup_pending_users's scan-the-store contract
// so a pending backlog surviving a restart still drains.
func (m *Mapper) BatchLookupPending(ctx context.Context, limit int) (processed, successful int, err error) {
	usernames, err := m.cache.ListPending()
	if err != nil {
		return 0, 0, fmt.Errorf("listing pending users: %w", err)
	}

	if len(usernames) > limit {
		usernames = usernames[:limit]
	}

	for _, username := range usernames {
		before, _ := m.cache.Get(username)
		if err := m.PerformLookup(ctx, username); err != nil {
			klog.Errorf("pending lookup failed for %s: %v", username, err)
			continue
		}
		processed++
		after, _ := m.cache.Get(username)
		if after != nil && after.Resolved() && (before == nil || !before.Resolved()) {
			successful++
		}
	}

	return processed, successful, nil
}
