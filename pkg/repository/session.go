// ABOUTME: Workspace sessions with a transient change set
// ABOUTME: Writes collect in one transaction until Save commits them

package repository

import (
	"context"
	"sync"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/query"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
	"github.com/nainya/contentstore/pkg/version"
)

// Session acts on one workspace for one user. Writes are transient until
// Save; reads see the session's own pending changes. A session is safe for
// concurrent use but its writes form a single change set.
type Session struct {
	id        string
	repo      *Repository
	store     *tree.Store
	workspace string
	userID    string

	mu       sync.Mutex
	tx       *tree.Txn
	tokens   []string
	userData string
	live     bool
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// UserID returns the acting user
func (s *Session) UserID() string { return s.userID }

// Workspace returns the workspace name
func (s *Session) Workspace() string { return s.workspace }

// Repository returns the repository the session belongs to
func (s *Session) Repository() *Repository { return s.repo }

// SetUserData attaches a string to the events of later saves
func (s *Session) SetUserData(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userData = data
}

func (s *Session) options() tree.Options {
	return tree.Options{
		UserID:     s.userID,
		Session:    s.id,
		UserData:   s.userData,
		LockTokens: append([]string(nil), s.tokens...),
	}
}

// txn returns the pending transaction, beginning one when needed. The
// caller holds s.mu.
func (s *Session) txn() (*tree.Txn, error) {
	if !s.live {
		return nil, errs.New(errs.KindInvalidState, "session", s.id, "session is logged out")
	}
	if s.tx == nil {
		s.tx = s.store.Begin(s.options())
	}
	return s.tx, nil
}

func (s *Session) write(fn func(tx *tree.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.txn()
	if err != nil {
		return err
	}
	return fn(tx)
}

// reader returns the pending transaction when there is one so reads see
// transient changes
func (s *Session) read(fn func(r nodeReader) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return errs.New(errs.KindInvalidState, "session", s.id, "session is logged out")
	}
	if s.tx != nil {
		return fn(s.tx)
	}
	snap := s.store.Snapshot()
	defer snap.Close()
	return fn(snap)
}

type nodeReader interface {
	Get(id string) (*tree.Node, error)
	GetByPath(path string) (*tree.Node, error)
	Children(id string) ([]*tree.Node, error)
}

// GetNode returns the node at path
func (s *Session) GetNode(path string) (*tree.Node, error) {
	var n *tree.Node
	err := s.read(func(r nodeReader) error {
		var err error
		n, err = r.GetByPath(path)
		return err
	})
	return n, err
}

// GetNodeByIdentifier returns the node with identifier id
func (s *Session) GetNodeByIdentifier(id string) (*tree.Node, error) {
	var n *tree.Node
	err := s.read(func(r nodeReader) error {
		var err error
		n, err = r.Get(id)
		return err
	})
	return n, err
}

// Children returns the children of the node at path in order
func (s *Session) Children(path string) ([]*tree.Node, error) {
	var out []*tree.Node
	err := s.read(func(r nodeReader) error {
		n, err := r.GetByPath(path)
		if err != nil {
			return err
		}
		out, err = r.Children(n.ID)
		return err
	})
	return out, err
}

// ItemExists reports whether a node exists at path
func (s *Session) ItemExists(path string) bool {
	_, err := s.GetNode(path)
	return err == nil
}

// resolve finds the identifier of the node at path within tx
func resolve(tx *tree.Txn, path string) (string, error) {
	n, err := tx.GetByPath(path)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// AddNode adds a child below the node at parentPath. An empty primaryType
// is taken from the matching child node definition.
func (s *Session) AddNode(parentPath, name, primaryType string) (string, error) {
	var id string
	err := s.write(func(tx *tree.Txn) error {
		parent, err := resolve(tx, parentPath)
		if err != nil {
			return err
		}
		id, err = tx.AddNode(parent, name, primaryType)
		return err
	})
	return id, err
}

// AddNodeSpec adds a child described by spec
func (s *Session) AddNodeSpec(parentPath string, spec tree.NodeSpec) (string, error) {
	var id string
	err := s.write(func(tx *tree.Txn) error {
		parent, err := resolve(tx, parentPath)
		if err != nil {
			return err
		}
		id, err = tx.AddNodeSpec(parent, spec)
		return err
	})
	return id, err
}

// SetProperty sets a single-valued property
func (s *Session) SetProperty(path, name string, v value.Value) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.SetProperty(id, name, v)
	})
}

// SetMultiProperty sets a multi-valued property
func (s *Session) SetMultiProperty(path, name string, vals []value.Value) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.SetMultiProperty(id, name, vals)
	})
}

// RemoveProperty removes a property
func (s *Session) RemoveProperty(path, name string) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.RemoveProperty(id, name)
	})
}

// RemoveItem removes the node at path with its subtree
func (s *Session) RemoveItem(path string) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.Remove(id)
	})
}

// Move moves a node within the transient change set. WorkspaceMove
// commits a move on its own.
func (s *Session) Move(srcPath, destPath string) error {
	return s.write(func(tx *tree.Txn) error {
		return tx.Move(srcPath, destPath)
	})
}

// OrderBefore places child srcName before destName; an empty destName
// moves it last. Like Move it waits for Save.
func (s *Session) OrderBefore(parentPath, srcName, destName string) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, parentPath)
		if err != nil {
			return err
		}
		return tx.OrderBefore(id, srcName, destName)
	})
}

// WorkspaceMove moves a node in the workspace and commits at once. Pending
// changes of the session are neither used nor saved.
func (s *Session) WorkspaceMove(ctx context.Context, srcPath, destPath string) error {
	opts, err := s.immediate()
	if err != nil {
		return err
	}
	return s.store.Move(ctx, opts, srcPath, destPath)
}

// WorkspaceOrderBefore reorders a child in the workspace and commits at once
func (s *Session) WorkspaceOrderBefore(ctx context.Context, parentPath, srcName, destName string) error {
	opts, err := s.immediate()
	if err != nil {
		return err
	}
	parent, err := s.store.GetByPath(parentPath)
	if err != nil {
		return err
	}
	return s.store.OrderBefore(ctx, opts, parent.ID, srcName, destName)
}

// immediate returns the options for a commit outside the change set
func (s *Session) immediate() (tree.Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return tree.Options{}, errs.New(errs.KindInvalidState, "session", s.id, "session is logged out")
	}
	return s.options(), nil
}

// AddMixin adds a mixin type to the node at path
func (s *Session) AddMixin(path, mixin string) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.AddMixin(id, mixin)
	})
}

// RemoveMixin removes a mixin type from the node at path
func (s *Session) RemoveMixin(path, mixin string) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.RemoveMixin(id, mixin)
	})
}

// SetPrimaryType changes the primary type of the node at path
func (s *Session) SetPrimaryType(path, primaryType string) error {
	return s.write(func(tx *tree.Txn) error {
		id, err := resolve(tx, path)
		if err != nil {
			return err
		}
		return tx.SetPrimaryType(id, primaryType)
	})
}

// HasPendingChanges reports whether Save would commit anything
func (s *Session) HasPendingChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil && s.tx.HasChanges()
}

// Save validates and commits the pending changes atomically. A failed save
// keeps the changes so the caller can fix them or Refresh.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return errs.New(errs.KindInvalidState, "save", s.id, "session is logged out")
	}
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		return err
	}
	s.tx = nil
	return nil
}

// Refresh discards the pending changes unless keepChanges is set
func (s *Session) Refresh(keepChanges bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepChanges || s.tx == nil {
		return
	}
	s.tx.Rollback()
	s.tx = nil
}

// immediate runs an operation that commits on its own. Pending changes
// would be mixed into or hidden from it, so they must be saved first.
func (s *Session) immediate(op string) (tree.Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live {
		return tree.Options{}, errs.New(errs.KindInvalidState, op, s.id, "session is logged out")
	}
	if s.tx != nil && s.tx.HasChanges() {
		return tree.Options{}, errs.New(errs.KindInvalidState, op, s.workspace, "session has pending changes")
	}
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	return s.options(), nil
}

func (s *Session) nodeID(path string) (string, error) {
	n, err := s.store.GetByPath(path)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// Clone copies the subtree at srcPath of workspace src to destPath keeping
// identifiers
func (s *Session) Clone(ctx context.Context, src, srcPath, destPath string, removeExisting bool) error {
	opts, err := s.immediate("clone")
	if err != nil {
		return err
	}
	from, err := s.repo.engine.Workspace(src)
	if err != nil {
		return err
	}
	return s.store.Clone(ctx, opts, from, srcPath, destPath, removeExisting)
}

// Copy copies the subtree at srcPath of workspace src to destPath with
// fresh identifiers
func (s *Session) Copy(ctx context.Context, src, srcPath, destPath string) error {
	opts, err := s.immediate("copy")
	if err != nil {
		return err
	}
	from, err := s.repo.engine.Workspace(src)
	if err != nil {
		return err
	}
	return s.store.Copy(ctx, opts, from, srcPath, destPath)
}

// Checkin creates a new version of the versionable node at path
func (s *Session) Checkin(ctx context.Context, path string) (*version.Version, error) {
	opts, err := s.immediate("checkin")
	if err != nil {
		return nil, err
	}
	id, err := s.nodeID(path)
	if err != nil {
		return nil, err
	}
	return s.repo.versions.Checkin(ctx, s.store, opts, id)
}

// Checkout makes the node at path writable again
func (s *Session) Checkout(ctx context.Context, path string) error {
	opts, err := s.immediate("checkout")
	if err != nil {
		return err
	}
	id, err := s.nodeID(path)
	if err != nil {
		return err
	}
	return s.repo.versions.Checkout(ctx, s.store, opts, id)
}

// Checkpoint checks the node at path in and out again
func (s *Session) Checkpoint(ctx context.Context, path string) (*version.Version, error) {
	opts, err := s.immediate("checkpoint")
	if err != nil {
		return nil, err
	}
	id, err := s.nodeID(path)
	if err != nil {
		return nil, err
	}
	return s.repo.versions.Checkpoint(ctx, s.store, opts, id)
}

// Restore restores the node at path to the named version
func (s *Session) Restore(ctx context.Context, path, versionName string, removeExisting bool) error {
	opts, err := s.immediate("restore")
	if err != nil {
		return err
	}
	id, err := s.nodeID(path)
	if err != nil {
		return err
	}
	h, err := s.repo.versions.History(id)
	if err != nil {
		return err
	}
	v, ok := h.VersionByName(versionName)
	if !ok {
		return errs.NotFound("restore", versionName)
	}
	return s.repo.versions.Restore(ctx, s.store, opts, v.ID, removeExisting)
}

// RestoreByLabel restores the node at path to the version carrying label
func (s *Session) RestoreByLabel(ctx context.Context, path, label string, removeExisting bool) error {
	opts, err := s.immediate("restoreByLabel")
	if err != nil {
		return err
	}
	id, err := s.nodeID(path)
	if err != nil {
		return err
	}
	return s.repo.versions.RestoreByLabel(ctx, s.store, opts, id, label, removeExisting)
}

// Merge merges the subtree at path with its corresponding nodes in the
// workspace src and returns the identifiers of the nodes that failed
func (s *Session) Merge(ctx context.Context, src, path string, bestEffort bool) ([]string, error) {
	opts, err := s.immediate("merge")
	if err != nil {
		return nil, err
	}
	from, err := s.repo.engine.Workspace(src)
	if err != nil {
		return nil, err
	}
	return s.repo.versions.Merge(ctx, s.store, opts, from, path, bestEffort)
}

// VersionHistory returns the history of the versionable node at path
func (s *Session) VersionHistory(path string) (*version.History, error) {
	id, err := s.nodeID(path)
	if err != nil {
		return nil, err
	}
	return s.repo.versions.History(id)
}

// Query evaluates q against the saved state of the workspace
func (s *Session) Query(ctx context.Context, q query.Query, binds map[string]value.Value) (*query.Result, error) {
	p, err := s.repo.queries.Prepare(q)
	if err != nil {
		return nil, err
	}
	return s.repo.queries.Execute(ctx, s.workspace, p, binds)
}

// AddEventListener registers l for events of this workspace. With noLocal
// set in filter the session's own saves are skipped.
func (s *Session) AddEventListener(l observation.Listener, filter observation.Filter) string {
	filter.Workspace = s.workspace
	if filter.NoLocal {
		filter.Session = s.id
	}
	return s.repo.dispatcher.AddListener(l, filter)
}

// Logout discards pending changes and releases session-scoped locks
func (s *Session) Logout() {
	s.mu.Lock()
	if !s.live {
		s.mu.Unlock()
		return
	}
	s.live = false
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()

	s.releaseSessionLocks()
	s.repo.forget(s.id)
	s.repo.log.Debug("session closed").Str("session", s.id).Send()
}
