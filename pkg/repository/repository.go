// ABOUTME: Repository facade wiring types, trees, versions, queries and events
// ABOUTME: Opens persisted state and hands out workspace sessions

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/journal"
	"github.com/nainya/contentstore/pkg/lock"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/query"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/version"
)

// DefaultWorkspace is created when no workspace is configured
const DefaultWorkspace = "default"

// Config configures a repository
type Config struct {
	// Backend defaults to an in-memory backend
	Backend storage.Backend
	// Workspaces are created when missing
	Workspaces []string
	// JournalDir enables the on-disk event journal
	JournalDir string
	Journal    journal.Options
	// TypeFiles are node type definition files or directories registered
	// at startup
	TypeFiles []string
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Repository is one open content repository
type Repository struct {
	engine     *tree.Engine
	types      *nodetype.Registry
	versions   *version.Manager
	queries    *query.Engine
	dispatcher *observation.Dispatcher
	journal    *journal.Journal
	backend    storage.Backend
	log        *logger.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	locks    map[string]*lock.Manager
	sessions map[string]*Session
	closed   bool
}

// Open loads the persisted state of cfg.Backend and makes sure the
// configured workspaces exist
func Open(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Backend == nil {
		cfg.Backend = storage.NewMemory()
	}
	if len(cfg.Workspaces) == 0 {
		cfg.Workspaces = []string{DefaultWorkspace}
	}
	log := cfg.Logger.Component("repository")
	backend := storage.Instrument(cfg.Backend, cfg.Logger, cfg.Metrics)

	img, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}

	types := nodetype.NewRegistry()
	if err := loadTypes(types, img); err != nil {
		return nil, err
	}

	var j *journal.Journal
	if cfg.JournalDir != "" {
		j, err = journal.Open(filepath.Join(cfg.JournalDir, "events.journal"), cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("open event journal: %w", err)
		}
	}
	dispatcher := observation.NewDispatcher(observation.Options{
		Journal: j,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	e := tree.NewEngine(tree.Config{
		Types:      types,
		Backend:    backend,
		Dispatcher: dispatcher,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Now:        cfg.Now,
	})
	if err := e.Load(img); err != nil {
		return nil, err
	}
	versions := version.New(e)
	if err := versions.Load(img); err != nil {
		return nil, err
	}

	r := &Repository{
		engine:     e,
		types:      types,
		versions:   versions,
		queries:    query.NewEngine(e),
		dispatcher: dispatcher,
		journal:    j,
		backend:    backend,
		log:        log,
		metrics:    cfg.Metrics,
		locks:      make(map[string]*lock.Manager),
		sessions:   make(map[string]*Session),
	}
	types.SetUsageFunc(e.IsTypeInUse)
	types.SetPersistFunc(r.persistTypes)

	for _, path := range cfg.TypeFiles {
		if err := r.RegisterTypeFile(path); err != nil {
			return nil, err
		}
	}
	for _, ws := range e.WorkspaceNames() {
		r.attachLocks(ws)
	}
	for _, ws := range cfg.Workspaces {
		if _, err := e.Workspace(ws); err == nil {
			continue
		}
		if _, err := r.CreateWorkspace(ctx, ws); err != nil {
			return nil, err
		}
	}

	log.Info("repository opened").
		Strs("workspaces", e.WorkspaceNames()).
		Int("histories", len(versions.Histories())).
		Uint64("seq", e.Seq()).
		Send()
	return r, nil
}

// loadTypes registers the custom node types persisted in img
func loadTypes(reg *nodetype.Registry, img *storage.Image) error {
	bucket := img.Bucket(storage.BucketNodeTypes)
	if len(bucket) == 0 {
		return nil
	}
	names := make([]string, 0, len(bucket))
	for name := range bucket {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]nodetype.Definition, 0, len(names))
	for _, name := range names {
		var d nodetype.Definition
		if err := json.Unmarshal(bucket[name], &d); err != nil {
			return fmt.Errorf("node type %s: %w", name, err)
		}
		defs = append(defs, d)
	}
	if _, err := reg.RegisterAll(defs, true); err != nil {
		return fmt.Errorf("restore node types: %w", err)
	}
	return nil
}

// persistTypes stores every custom definition and drops removed ones in
// one commit. The change is checked and published under the commit lock
// so no node commit validates against a stale registry.
func (r *Repository) persistTypes(c nodetype.Change) error {
	records := make(map[string][]byte, len(c.Upserted))
	for _, d := range c.Upserted {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode node type %s: %w", d.Name, err)
		}
		records[d.Name] = data
	}
	return r.engine.CommitRecords(context.Background(), func(b *storage.Batch) error {
		if err := c.Check(); err != nil {
			return err
		}
		for name, data := range records {
			b.Put(storage.BucketNodeTypes, name, data)
		}
		for _, name := range c.Removed {
			b.Delete(storage.BucketNodeTypes, name)
		}
		return nil
	}, func(uint64) { c.Publish() })
}

func (r *Repository) attachLocks(workspace string) *lock.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lm, ok := r.locks[workspace]; ok {
		return lm
	}
	s, err := r.engine.Workspace(workspace)
	if err != nil {
		return nil
	}
	lm := lock.NewManager(r.metrics)
	s.SetLockChecker(lm)
	r.locks[workspace] = lm
	return lm
}

func (r *Repository) lockManager(workspace string) *lock.Manager {
	r.mu.Lock()
	lm := r.locks[workspace]
	r.mu.Unlock()
	if lm == nil {
		return r.attachLocks(workspace)
	}
	return lm
}

// Engine returns the tree engine
func (r *Repository) Engine() *tree.Engine { return r.engine }

// Types returns the node type registry
func (r *Repository) Types() *nodetype.Registry { return r.types }

// Versions returns the version graph manager
func (r *Repository) Versions() *version.Manager { return r.versions }

// Queries returns the query engine
func (r *Repository) Queries() *query.Engine { return r.queries }

// Observation returns the event dispatcher
func (r *Repository) Observation() *observation.Dispatcher { return r.dispatcher }

// WorkspaceNames returns the workspace names in sorted order
func (r *Repository) WorkspaceNames() []string { return r.engine.WorkspaceNames() }

// CreateWorkspace creates an empty workspace
func (r *Repository) CreateWorkspace(ctx context.Context, name string) (*tree.Store, error) {
	s, err := r.engine.CreateWorkspace(ctx, name)
	if err != nil {
		return nil, err
	}
	r.attachLocks(name)
	return s, nil
}

// RegisterNodeTypes registers and persists definitions as one batch
func (r *Repository) RegisterNodeTypes(defs []nodetype.Definition, allowUpdate bool) ([]*nodetype.NodeType, error) {
	types, err := r.types.RegisterAll(defs, allowUpdate)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		r.log.Info("node type registered").Str("type", t.Name()).Send()
	}
	return types, nil
}

// UnregisterNodeTypes removes types no node uses and drops them from the
// backend
func (r *Repository) UnregisterNodeTypes(names ...string) error {
	if err := r.types.Unregister(names...); err != nil {
		return err
	}
	r.log.Info("node types unregistered").Strs("types", names).Send()
	return nil
}

// RegisterTypeFile registers the definitions of a YAML file, or of every
// definition file in a directory
func (r *Repository) RegisterTypeFile(path string) error {
	defs, err := nodetype.LoadFile(path)
	if err != nil {
		if defs, err = nodetype.LoadDir(path); err != nil {
			return fmt.Errorf("load node types from %s: %w", path, err)
		}
	}
	_, err = r.RegisterNodeTypes(defs, true)
	return err
}

// WatchTypes re-registers the definitions in dir whenever its files change,
// until ctx is done
func (r *Repository) WatchTypes(ctx context.Context, dir string) error {
	return nodetype.Watch(ctx, r.types, dir, r.log)
}

// Login opens a session on workspace acting as userID
func (r *Repository) Login(workspace, userID string) (*Session, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errs.New(errs.KindInvalidState, "login", workspace, "repository is closed")
	}
	if workspace == "" {
		workspace = DefaultWorkspace
	}
	store, err := r.engine.Workspace(workspace)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:        uuid.NewString(),
		repo:      r,
		store:     store,
		workspace: workspace,
		userID:    userID,
		live:      true,
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.log.Debug("session opened").Str("session", s.id).Str("workspace", workspace).Str("user", userID).Send()
	return s, nil
}

func (r *Repository) forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Stats summarises the repository for health endpoints
type Stats struct {
	Seq        uint64         `json:"seq"`
	Workspaces map[string]int `json:"workspaces"`
	NodeTypes  int            `json:"nodeTypes"`
	Histories  int            `json:"histories"`
	Sessions   int            `json:"sessions"`
	Locks      int            `json:"locks"`
}

// Stats returns the current repository counters
func (r *Repository) Stats() Stats {
	st := Stats{
		Seq:        r.engine.Seq(),
		Workspaces: make(map[string]int),
		NodeTypes:  len(r.types.Snapshot().Names()),
		Histories:  len(r.versions.Histories()),
	}
	for _, ws := range r.engine.WorkspaceNames() {
		if s, err := r.engine.Workspace(ws); err == nil {
			st.Workspaces[ws] = s.Count()
		}
	}
	r.mu.Lock()
	st.Sessions = len(r.sessions)
	for _, lm := range r.locks {
		st.Locks += lm.Len()
	}
	r.mu.Unlock()
	return st
}

// Close logs out every session and releases the dispatcher, journal and
// backend
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Logout()
	}
	r.dispatcher.Close()
	var firstErr error
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.log.Info("repository closed").Send()
	return firstErr
}
