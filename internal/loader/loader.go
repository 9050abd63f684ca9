// Package loader provides the read-optimized path over the state store:
// bounded aggregate projections served from an LRU+TTL cache for sub-5ms
// repeat lookups, with zero file reads.
//
// Cache entries are invalidated explicitly by the coordinator on any write
// touching the same epic, and additionally expire on TTL as a safety net.
// A read never observes state older than the last commit it was invalidated
// against. The cache instance is owned by whoever composes the loader; there
// is no process-wide singleton.
package loader

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/store"
)

const (
	// DefaultCacheSize bounds the number of cached projections.
	DefaultCacheSize = 256

	// DefaultTTL expires stale entries even if invalidation never fires.
	DefaultTTL = 30 * time.Second

	// TopN bounds the open action items and learnings in an epic context.
	TopN = 20

	// recentCeremonies bounds the ceremony summaries in an epic context.
	recentCeremonies = 5
)

// EpicContext is the bounded aggregate answering "what is the state of this
// epic": metadata, stories, the most urgent open action items, recent
// learnings, and recent ceremony summaries.
type EpicContext struct {
	Epic       *model.Epic
	Stories    []*model.Story
	OpenItems  []*model.ActionItem
	Learnings  []*model.LearningEntry
	Ceremonies []*model.CeremonySummary

	// LoadedAt records when the projection was built.
	LoadedAt time.Time
}

// AgentContext is an EpicContext narrowed by a role-specific filter, e.g.
// only the stories and items assigned to one developer.
type AgentContext struct {
	Role     string
	Assignee string
	EpicContext
}

// ProjectSnapshot summarizes the whole project purely from the store, with
// zero file reads. It is what makes instant resumption possible on an
// already-hybridized project.
type ProjectSnapshot struct {
	Epics        []*model.Epic
	TotalEpics   int
	TotalStories int
	OpenItems    int
	LoadedAt     time.Time
}

// Loader serves cached projections over a Store.
type Loader struct {
	store *store.Store
	cache *expirable.LRU[string, any]
}

// Option configures a Loader.
type Option func(*options)

type options struct {
	size int
	ttl  time.Duration
}

// WithCacheSize overrides the cache capacity.
func WithCacheSize(n int) Option {
	return func(o *options) { o.size = n }
}

// WithTTL overrides the safety-net expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// New creates a Loader over the given store.
func New(s *store.Store, opts ...Option) *Loader {
	o := options{size: DefaultCacheSize, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader{
		store: s,
		cache: expirable.NewLRU[string, any](o.size, nil, o.ttl),
	}
}

func epicKey(epic int) string {
	return "epic:" + strconv.Itoa(epic)
}

func agentKey(role, assignee string, epic int) string {
	return "agent:" + role + ":" + assignee + ":" + strconv.Itoa(epic)
}

const snapshotKey = "snapshot"

// GetEpicContext returns the bounded aggregate for an epic, serving from
// cache when possible.
func (l *Loader) GetEpicContext(ctx context.Context, epic int) (*EpicContext, error) {
	if cached, ok := l.cache.Get(epicKey(epic)); ok {
		return cached.(*EpicContext), nil
	}

	ec, err := l.buildEpicContext(ctx, epic)
	if err != nil {
		return nil, err
	}
	l.cache.Add(epicKey(epic), ec)
	return ec, nil
}

func (l *Loader) buildEpicContext(ctx context.Context, epic int) (*EpicContext, error) {
	e, err := l.store.GetEpic(ctx, epic)
	if err != nil {
		return nil, err
	}
	stories, err := l.store.ListStories(ctx, epic)
	if err != nil {
		return nil, err
	}
	items, err := l.store.ListOpenActionItems(ctx, store.ItemFilter{Epic: epic, Limit: TopN})
	if err != nil {
		return nil, err
	}
	learnings, err := l.store.RecentLearnings(ctx, TopN, true)
	if err != nil {
		return nil, err
	}
	ceremonies, err := l.store.RecentCeremoniesForEpic(ctx, epic, recentCeremonies)
	if err != nil {
		return nil, err
	}

	return &EpicContext{
		Epic:       e,
		Stories:    stories,
		OpenItems:  items,
		Learnings:  learnings,
		Ceremonies: ceremonies,
		LoadedAt:   time.Now(),
	}, nil
}

// GetAgentContext returns the epic aggregate narrowed for one agent role.
// For assignee-scoped roles (developer, reviewer) only the stories and open
// items assigned to that agent are included; other roles see the full epic.
func (l *Loader) GetAgentContext(ctx context.Context, role, assignee string, epic int) (*AgentContext, error) {
	key := agentKey(role, assignee, epic)
	if cached, ok := l.cache.Get(key); ok {
		return cached.(*AgentContext), nil
	}

	ec, err := l.buildEpicContext(ctx, epic)
	if err != nil {
		return nil, err
	}

	ac := &AgentContext{Role: role, Assignee: assignee, EpicContext: *ec}
	if assigneeScoped(role) && assignee != "" {
		ac.Stories = filterStories(ec.Stories, assignee)
		ac.OpenItems = filterItems(ec.OpenItems, assignee)
	}

	l.cache.Add(key, ac)
	return ac, nil
}

func assigneeScoped(role string) bool {
	switch strings.ToLower(role) {
	case "developer", "reviewer":
		return true
	}
	return false
}

func filterStories(stories []*model.Story, assignee string) []*model.Story {
	var out []*model.Story
	for _, s := range stories {
		if s.Assignee == assignee {
			out = append(out, s)
		}
	}
	return out
}

func filterItems(items []*model.ActionItem, assignee string) []*model.ActionItem {
	var out []*model.ActionItem
	for _, item := range items {
		if item.Assignee == assignee {
			out = append(out, item)
		}
	}
	return out
}

// ProjectSnapshot answers "what is the current state of this project" from
// the store alone.
func (l *Loader) ProjectSnapshot(ctx context.Context) (*ProjectSnapshot, error) {
	if cached, ok := l.cache.Get(snapshotKey); ok {
		return cached.(*ProjectSnapshot), nil
	}

	epics, err := l.store.ListEpics(ctx)
	if err != nil {
		return nil, err
	}
	stories, err := l.store.CountStories(ctx)
	if err != nil {
		return nil, err
	}
	items, err := l.store.ListOpenActionItems(ctx, store.ItemFilter{})
	if err != nil {
		return nil, err
	}

	snap := &ProjectSnapshot{
		Epics:        epics,
		TotalEpics:   len(epics),
		TotalStories: stories,
		OpenItems:    len(items),
		LoadedAt:     time.Now(),
	}
	l.cache.Add(snapshotKey, snap)
	return snap, nil
}

// InvalidateEpic drops every cached projection touching the given epic,
// including the project snapshot. Called by the coordinator after a commit.
func (l *Loader) InvalidateEpic(epic int) {
	suffix := ":" + strconv.Itoa(epic)
	for _, key := range l.cache.Keys() {
		if key == snapshotKey || strings.HasSuffix(key, suffix) {
			l.cache.Remove(key)
		}
	}
}

// InvalidateAll drops every cached projection.
func (l *Loader) InvalidateAll() {
	l.cache.Purge()
}
