// ABOUTME: Tree engine shared by all workspaces of a repository
// ABOUTME: Owns the commit mutex, the commit sequence and the persistence backend

package tree

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/constraint"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/value"
)

// Hook takes part in every commit before validation. Prepare may stage
// further changes on tx, which then go through validation like any other.
type Hook interface {
	Prepare(tx *Txn) error
}

// ExternalResolver answers for identifiers that live outside the workspace
// trees, such as versions and version histories, so REFERENCE properties
// may point at them
type ExternalResolver interface {
	Exists(id string) bool
}

// LockChecker is consulted before every non-system mutation. ids holds the
// mutated node followed by its ancestors, nearest first.
type LockChecker interface {
	CheckWrite(ids []string, tokens []string) error
}

// Config configures an Engine
type Config struct {
	Types      *nodetype.Registry
	Backend    storage.Backend
	Dispatcher *observation.Dispatcher
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	// Now overrides the clock used for jcr:created and jcr:lastModified
	Now func() time.Time
}

// Engine holds the workspaces of one repository. Commits of all workspaces
// are serialised by one mutex and numbered by one sequence, so events are
// dispatched in global commit order.
type Engine struct {
	types      *nodetype.Registry
	enforcer   *constraint.Enforcer
	backend    storage.Backend
	dispatcher *observation.Dispatcher
	log        *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	commitMu sync.Mutex
	seq      atomic.Uint64

	mu         sync.RWMutex
	workspaces map[string]*Store
	hooks      []Hook
	external   ExternalResolver
	blobs      map[string]struct{}
}

// NewEngine creates an engine with no workspaces; call Load before use
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Backend == nil {
		cfg.Backend = storage.NewMemory()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Types == nil {
		cfg.Types = nodetype.NewRegistry()
	}
	return &Engine{
		types:      cfg.Types,
		enforcer:   constraint.New(),
		backend:    cfg.Backend,
		dispatcher: cfg.Dispatcher,
		log:        cfg.Logger.Component("tree"),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		workspaces: make(map[string]*Store),
		blobs:      make(map[string]struct{}),
	}
}

// Open creates an engine over the persisted state of cfg.Backend and makes
// sure the named workspaces exist
func Open(ctx context.Context, cfg Config, workspaces ...string) (*Engine, error) {
	e := NewEngine(cfg)
	img, err := e.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}
	if err := e.Load(img); err != nil {
		return nil, err
	}
	for _, ws := range workspaces {
		if _, err := e.Workspace(ws); err == nil {
			continue
		}
		if _, err := e.CreateWorkspace(ctx, ws); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Types returns the node type registry
func (e *Engine) Types() *nodetype.Registry { return e.types }

// Backend returns the persistence backend
func (e *Engine) Backend() storage.Backend { return e.backend }

// Seq returns the sequence of the last commit
func (e *Engine) Seq() uint64 { return e.seq.Load() }

// AddHook registers a commit hook
func (e *Engine) AddHook(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// SetExternalResolver installs the resolver for non-tree identifiers
func (e *Engine) SetExternalResolver(r ExternalResolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.external = r
}

// Load restores the workspaces of img. It must run before any commit.
func (e *Engine) Load(img *storage.Image) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	blobs := img.Bucket(storage.BucketBlobs)
	for digest := range blobs {
		e.blobs[digest] = struct{}{}
	}
	for _, bucket := range img.BucketNames() {
		ws := storage.WorkspaceOf(bucket)
		if ws == "" {
			continue
		}
		s := newStore(e, ws)
		for key, data := range img.Bucket(bucket) {
			rec, err := decodeRecord(data, blobs)
			if err != nil {
				return fmt.Errorf("workspace %s node %s: %w", ws, key, err)
			}
			s.chains[rec.id] = []version{{seq: img.Seq, rec: rec}}
			s.refs.add(rec.references())
		}
		if _, ok := s.chains[RootID]; !ok {
			return fmt.Errorf("workspace %s: missing root node", ws)
		}
		s.live = len(s.chains)
		e.mu.Lock()
		e.workspaces[ws] = s
		e.mu.Unlock()
		e.metrics.SetNodeCount(ws, s.live)
	}
	e.seq.Store(img.Seq)
	return nil
}

// Workspace returns the store of a workspace
func (e *Engine) Workspace(name string) (*Store, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.workspaces[name]
	if !ok {
		return nil, errs.NotFound("workspace", name)
	}
	return s, nil
}

// WorkspaceNames returns the workspace names in sorted order
func (e *Engine) WorkspaceNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workspaces))
	for n := range e.workspaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CreateWorkspace creates an empty workspace holding only a root node
func (e *Engine) CreateWorkspace(ctx context.Context, name string) (*Store, error) {
	if err := value.ValidateName(name); err != nil {
		return nil, errs.New(errs.KindConstraintViolation, "createWorkspace", name, "%v", err)
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.mu.RLock()
	_, exists := e.workspaces[name]
	e.mu.RUnlock()
	if exists {
		return nil, errs.New(errs.KindItemExists, "createWorkspace", name, "workspace exists")
	}

	s := newStore(e, name)
	root := &record{
		id:          RootID,
		primaryType: nodetype.RepRoot,
		props:       make(map[string]*Property),
	}
	root.props[nodetype.JcrPrimaryType] = &Property{
		Name: nodetype.JcrPrimaryType, Type: value.Name, Values: []value.Value{value.NewName(nodetype.RepRoot)},
	}

	seq := e.seq.Load() + 1
	batch := &storage.Batch{Seq: seq}
	data, err := encodeRecord(root, batch, e.knownBlob)
	if err != nil {
		return nil, err
	}
	batch.Put(storage.NodeBucket(name), RootID, data)
	if err := e.backend.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", name, err)
	}
	s.chains[RootID] = []version{{seq: seq, rec: root}}
	s.live = 1
	e.seq.Store(seq)

	e.mu.Lock()
	e.workspaces[name] = s
	e.mu.Unlock()
	e.metrics.SetNodeCount(name, 1)
	e.log.Info("workspace created").Str("workspace", name).Send()
	return s, nil
}

// CommitRecords persists records living outside the workspace trees as one
// commit. prepare runs under the commit mutex and may veto the commit by
// returning an error; installed runs once the batch is durable.
func (e *Engine) CommitRecords(ctx context.Context, prepare func(b *storage.Batch) error, installed func(seq uint64)) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	seq := e.seq.Load() + 1
	batch := &storage.Batch{Seq: seq}
	if err := prepare(batch); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.backend.Commit(ctx, batch); err != nil {
		return fmt.Errorf("persist commit %d: %w", seq, err)
	}
	e.seq.Store(seq)
	if installed != nil {
		installed(seq)
	}
	return nil
}

// Now returns the engine clock
func (e *Engine) Now() time.Time { return e.now() }

// Logger returns the engine logger
func (e *Engine) Logger() *logger.Logger { return e.log }

// Metrics returns the engine metrics, which may be nil
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// knownBlob reports whether a blob is already persisted. Callers hold commitMu.
func (e *Engine) knownBlob(digest string) bool {
	_, ok := e.blobs[digest]
	return ok
}

func (e *Engine) hookList() []Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Hook(nil), e.hooks...)
}

func (e *Engine) externalExists(id string) bool {
	e.mu.RLock()
	r := e.external
	e.mu.RUnlock()
	return r != nil && r.Exists(id)
}

// IsTypeInUse reports whether any node of any workspace has name as its
// primary type or as a mixin. It is the registry's usage check.
func (e *Engine) IsTypeInUse(name string) bool {
	e.mu.RLock()
	stores := make([]*Store, 0, len(e.workspaces))
	for _, s := range e.workspaces {
		stores = append(stores, s)
	}
	e.mu.RUnlock()

	for _, s := range stores {
		if s.typeInUse(name) {
			return true
		}
	}
	return false
}
