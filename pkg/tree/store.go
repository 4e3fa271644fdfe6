// ABOUTME: Per-workspace multi-version node store with snapshot reads
// ABOUTME: Readers pin a commit sequence and never block on writers

package tree

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/value"
)

// version is one committed state of a node. A nil rec marks a deletion.
type version struct {
	seq uint64
	rec *record
}

// reader resolves node records in one consistent view
type reader interface {
	get(id string) *record
}

// Store holds the nodes of one workspace
type Store struct {
	engine *Engine
	name   string
	log    *logger.Logger

	mu      sync.RWMutex
	chains  map[string][]version
	refs    *refIndex
	pinned  map[uint64]int
	pending map[string]struct{}
	live    int

	locks atomic.Pointer[lockHolder]
}

type lockHolder struct{ LockChecker }

func newStore(e *Engine, name string) *Store {
	return &Store{
		engine:  e,
		name:    name,
		log:     e.log.Workspace(name),
		chains:  make(map[string][]version),
		refs:    newRefIndex(),
		pinned:  make(map[uint64]int),
		pending: make(map[string]struct{}),
	}
}

// Name returns the workspace name
func (s *Store) Name() string { return s.name }

// Engine returns the engine owning the store
func (s *Store) Engine() *Engine { return s.engine }

// SetLockChecker installs the lock check consulted by non-system writes
func (s *Store) SetLockChecker(lc LockChecker) {
	if lc == nil {
		s.locks.Store(nil)
		return
	}
	s.locks.Store(&lockHolder{lc})
}

func (s *Store) lockChecker() LockChecker {
	if h := s.locks.Load(); h != nil {
		return h.LockChecker
	}
	return nil
}

// Count returns the number of live nodes, root included
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Snapshot pins the current commit sequence. The caller must Close it.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	seq := s.engine.seq.Load()
	s.pinned[seq]++
	s.mu.Unlock()
	s.engine.metrics.SnapshotOpened()
	return &Snapshot{store: s, seq: seq}
}

func (s *Store) release(seq uint64) {
	s.mu.Lock()
	if s.pinned[seq]--; s.pinned[seq] <= 0 {
		delete(s.pinned, seq)
	}
	s.mu.Unlock()
	s.engine.metrics.SnapshotClosed()
}

// at returns the newest record of id committed at or before seq. Callers
// hold s.mu.
func (s *Store) at(id string, seq uint64) *record {
	chain := s.chains[id]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].seq <= seq {
			return chain[i].rec
		}
	}
	return nil
}

// latest returns the current record of id and the sequence that wrote it.
// Callers hold s.mu.
func (s *Store) latest(id string) (*record, uint64) {
	chain := s.chains[id]
	if len(chain) == 0 {
		return nil, 0
	}
	v := chain[len(chain)-1]
	return v.rec, v.seq
}

// install publishes the records committed at seq and drops versions no
// pinned snapshot can see. Callers hold the engine commit mutex.
func (s *Store) install(seq uint64, staged map[string]*record, deleted map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range staged {
		old, _ := s.latest(id)
		if old != nil {
			s.refs.remove(old.references())
		} else {
			s.live++
		}
		s.refs.add(rec.references())
		s.chains[id] = append(s.chains[id], version{seq: seq, rec: rec})
		if len(s.chains[id]) > 1 {
			s.pending[id] = struct{}{}
		}
	}
	for id := range deleted {
		old, _ := s.latest(id)
		if old == nil {
			continue
		}
		s.refs.remove(old.references())
		s.live--
		s.chains[id] = append(s.chains[id], version{seq: seq})
		s.pending[id] = struct{}{}
	}
	s.engine.seq.Store(seq)
	s.prune(seq)
}

// prune trims chains to what the oldest pinned snapshot still needs.
// Callers hold s.mu for writing.
func (s *Store) prune(current uint64) {
	horizon := current
	for seq := range s.pinned {
		if seq < horizon {
			horizon = seq
		}
	}
	for id := range s.pending {
		chain := s.chains[id]
		keep := 0
		for i := len(chain) - 1; i >= 0; i-- {
			if chain[i].seq <= horizon {
				keep = i
				break
			}
		}
		chain = chain[keep:]
		switch {
		case len(chain) == 1 && chain[0].rec == nil:
			delete(s.chains, id)
			delete(s.pending, id)
		case len(chain) == 1:
			s.chains[id] = chain
			delete(s.pending, id)
		default:
			s.chains[id] = chain
		}
	}
}

// touchedSince reports whether id changed after seq. Callers hold the
// engine commit mutex.
func (s *Store) touchedSince(id string, seq uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, at := s.latest(id)
	return at > seq
}

func (s *Store) typeInUse(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.chains {
		rec, _ := s.latest(id)
		if rec == nil {
			continue
		}
		if rec.primaryType == name || rec.hasMixin(name) {
			return true
		}
	}
	return false
}

// GetByIdentifier returns the current state of a node
func (s *Store) GetByIdentifier(id string) (*Node, error) {
	snap := s.Snapshot()
	defer snap.Close()
	return snap.Get(id)
}

// GetByPath returns the current state of the node at an absolute path
func (s *Store) GetByPath(path string) (*Node, error) {
	snap := s.Snapshot()
	defer snap.Close()
	return snap.GetByPath(path)
}

// References returns the REFERENCE properties pointing at id
func (s *Store) References(id string) []Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs.sources(id, false)
}

// WeakReferences returns the WEAKREFERENCE properties pointing at id
func (s *Store) WeakReferences(id string) []Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs.sources(id, true)
}

// Update runs fn in a transaction and commits it when fn succeeds
func (s *Store) Update(ctx context.Context, opts Options, fn func(tx *Txn) error) error {
	tx := s.Begin(opts)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

// Move moves the node at srcPath to destPath and commits immediately
func (s *Store) Move(ctx context.Context, opts Options, srcPath, destPath string) error {
	return s.Update(ctx, opts, func(tx *Txn) error {
		return tx.Move(srcPath, destPath)
	})
}

// OrderBefore reorders a child of parentID and commits immediately
func (s *Store) OrderBefore(ctx context.Context, opts Options, parentID, srcName, destName string) error {
	return s.Update(ctx, opts, func(tx *Txn) error {
		return tx.OrderBefore(parentID, srcName, destName)
	})
}

// Snapshot is a consistent read view of a workspace as of one commit
type Snapshot struct {
	store  *Store
	seq    uint64
	closed atomic.Bool
}

// Seq returns the commit sequence the snapshot observes
func (sn *Snapshot) Seq() uint64 { return sn.seq }

// Workspace returns the workspace name
func (sn *Snapshot) Workspace() string { return sn.store.name }

// Store returns the store the snapshot reads
func (sn *Snapshot) Store() *Store { return sn.store }

// Close releases the snapshot. It is safe to call more than once.
func (sn *Snapshot) Close() {
	if sn.closed.CompareAndSwap(false, true) {
		sn.store.release(sn.seq)
	}
}

func (sn *Snapshot) get(id string) *record {
	sn.store.mu.RLock()
	defer sn.store.mu.RUnlock()
	return sn.store.at(id, sn.seq)
}

// Get returns the node with the given identifier
func (sn *Snapshot) Get(id string) (*Node, error) {
	return nodeByID(sn, "getByIdentifier", id)
}

// GetByPath returns the node at an absolute path
func (sn *Snapshot) GetByPath(path string) (*Node, error) {
	return nodeByPath(sn, path)
}

// Children returns the child nodes of id in order
func (sn *Snapshot) Children(id string) ([]*Node, error) {
	return childNodes(sn, id)
}

// Walk visits the subtree rooted at id depth first, parents before
// children. Returning a non-nil error from fn stops the walk.
func (sn *Snapshot) Walk(id string, fn func(n *Node) error) error {
	return walk(sn, id, fn)
}

func nodeByID(r reader, op, id string) (*Node, error) {
	rec := r.get(id)
	if rec == nil {
		return nil, errs.NotFound(op, id)
	}
	return newNode(r, rec)
}

func nodeByPath(r reader, path string) (*Node, error) {
	id, err := resolve(r, path)
	if err != nil {
		return nil, err
	}
	return newNode(r, r.get(id))
}

// resolve walks an absolute path from the root
func resolve(r reader, path string) (string, error) {
	p, err := value.ParsePath(path)
	if err != nil {
		return "", errs.New(errs.KindValueFormat, "getByPath", path, "%v", err)
	}
	if !p.IsAbsolute() {
		return "", errs.New(errs.KindValueFormat, "getByPath", path, "path is not absolute")
	}
	p, err = p.Normalize()
	if err != nil {
		return "", errs.NotFound("getByPath", path)
	}
	cur := r.get(RootID)
	if cur == nil {
		return "", errs.NotFound("getByPath", path)
	}
	for _, seg := range p.Segments() {
		id, ok := cur.childByName(seg.Name, seg.Pos())
		if !ok {
			return "", errs.NotFound("getByPath", path)
		}
		if cur = r.get(id); cur == nil {
			return "", errs.NotFound("getByPath", path)
		}
	}
	return cur.id, nil
}

// pathOf derives the path of id by walking parent links
func pathOf(r reader, id string) (string, error) {
	var segs []string
	cur := r.get(id)
	for cur != nil && cur.id != RootID {
		parent := r.get(cur.parent)
		if parent == nil {
			return "", errs.NotFound("path", id)
		}
		segs = append(segs, parent.segment(cur.id).String())
		cur = parent
	}
	if cur == nil {
		return "", errs.NotFound("path", id)
	}
	out := ""
	for i := len(segs) - 1; i >= 0; i-- {
		out += "/" + segs[i]
	}
	if out == "" {
		return "/", nil
	}
	return out, nil
}

// ancestry returns id followed by its ancestors, nearest first
func ancestry(r reader, id string) []string {
	out := []string{id}
	cur := r.get(id)
	for cur != nil && cur.id != RootID {
		out = append(out, cur.parent)
		cur = r.get(cur.parent)
	}
	return out
}

func childNodes(r reader, id string) ([]*Node, error) {
	rec := r.get(id)
	if rec == nil {
		return nil, errs.NotFound("children", id)
	}
	out := make([]*Node, 0, len(rec.children))
	for _, c := range rec.children {
		child := r.get(c.ID)
		if child == nil {
			continue
		}
		n, err := newNode(r, child)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func walk(r reader, id string, fn func(n *Node) error) error {
	rec := r.get(id)
	if rec == nil {
		return errs.NotFound("walk", id)
	}
	n, err := newNode(r, rec)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range rec.children {
		if err := walk(r, c.ID, fn); err != nil {
			return err
		}
	}
	return nil
}

// subtree lists id and its descendants, parents first
func subtree(r reader, id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		if rec := r.get(out[i]); rec != nil {
			for _, c := range rec.children {
				out = append(out, c.ID)
			}
		}
	}
	return out
}
