package tree

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nainya/contentstore/pkg/constraint"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/value"
)

// Commit validates and installs the transaction. On failure the
// transaction stays open and unchanged apart from what hooks staged, so the
// caller may fix it and commit again or roll it back.
func (tx *Txn) Commit(ctx context.Context) error {
	const op = "commit"
	if err := tx.open(op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := tx.store.engine
	start := time.Now()

	e.commitMu.Lock()
	seq, n, err := tx.commitLocked(ctx)
	e.commitMu.Unlock()

	elapsed := time.Since(start)
	e.metrics.RecordCommit(tx.store.name, elapsed, err)
	tx.store.log.LogCommit(tx.store.name, seq, n, elapsed, err)
	if err != nil {
		return err
	}
	tx.done = true
	tx.base.Close()
	return nil
}

func (tx *Txn) commitLocked(ctx context.Context) (uint64, int, error) {
	s := tx.store
	e := s.engine

	for id := range tx.staged {
		if s.touchedSince(id, tx.base.seq) {
			return 0, 0, errs.New(errs.KindInvalidState, "commit", tx.pathOr(id), "node was changed by a concurrent commit")
		}
	}
	for id := range tx.deleted {
		if s.touchedSince(id, tx.base.seq) {
			return 0, 0, errs.New(errs.KindInvalidState, "commit", id, "node was changed by a concurrent commit")
		}
	}
	if tx.base.seq != e.seq.Load() {
		old := tx.base
		tx.base = s.Snapshot()
		old.Close()
	}
	tx.types = e.types.Snapshot()

	tx.hooked = sideEffects{}
	tx.hooking = true
	for _, h := range e.hookList() {
		if err := h.Prepare(tx); err != nil {
			tx.hooking = false
			return 0, 0, err
		}
	}
	tx.hooking = false
	if !tx.HasChanges() {
		return e.seq.Load(), 0, nil
	}

	tx.maintainLastModified()
	if err := tx.validate(); err != nil {
		return 0, 0, err
	}
	if err := tx.checkReferences(); err != nil {
		return 0, 0, err
	}

	seq := e.seq.Load() + 1
	batch := &storage.Batch{Seq: seq}
	bucket := storage.NodeBucket(s.name)
	changed := tx.Changed()
	for _, id := range changed {
		data, err := encodeRecord(tx.staged[id], batch, e.knownBlob)
		if err != nil {
			return 0, 0, fmt.Errorf("encode node %s: %w", id, err)
		}
		batch.Put(bucket, id, data)
	}
	for _, id := range tx.Removed() {
		batch.Delete(bucket, id)
	}
	batch.Records = append(batch.Records, tx.side.records...)
	batch.Records = append(batch.Records, tx.hooked.records...)
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if err := e.backend.Commit(ctx, batch); err != nil {
		return 0, 0, fmt.Errorf("persist commit %d: %w", seq, err)
	}
	for _, r := range batch.Records {
		if r.Bucket == storage.BucketBlobs && !r.Delete {
			e.blobs[r.Key] = struct{}{}
			e.metrics.RecordBlobWrite(len(r.Value))
		}
	}

	events := tx.changes()
	s.install(seq, tx.staged, tx.deleted)
	for _, fn := range tx.side.onCommit {
		fn(seq)
	}
	for _, fn := range tx.hooked.onCommit {
		fn(seq)
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(observation.Meta{
			Seq:       seq,
			Workspace: s.name,
			UserID:    tx.opts.UserID,
			UserData:  tx.opts.UserData,
			Session:   tx.opts.Session,
			Date:      e.now(),
		}, events)
	}
	e.metrics.SetNodeCount(s.name, s.Count())
	return seq, len(changed) + len(tx.deleted), nil
}

// maintainLastModified stamps changed mix:lastModified nodes
func (tx *Txn) maintainLastModified() {
	now := value.NewDate(tx.store.engine.now())
	by := value.NewString(tx.opts.UserID)
	for _, id := range tx.Changed() {
		rec := tx.staged[id]
		eff, err := tx.effective(rec)
		if err != nil || !eff.IsNodeType(nodetype.MixLastModified) {
			continue
		}
		rec.props[nodetype.JcrLastModified] = &Property{Name: nodetype.JcrLastModified, Type: value.Date, Values: []value.Value{now}}
		rec.props[nodetype.JcrLastModifiedBy] = &Property{Name: nodetype.JcrLastModifiedBy, Type: value.String, Values: []value.Value{by}}
	}
}

// validate runs the commit checks of the enforcer on every staged node
func (tx *Txn) validate() error {
	refs := func(id, nodeType string) bool {
		rec := tx.get(id)
		if rec == nil {
			return false
		}
		eff, err := tx.effective(rec)
		return err == nil && eff.IsNodeType(nodeType)
	}
	for _, id := range tx.Changed() {
		rec := tx.staged[id]
		eff, err := tx.effective(rec)
		if err != nil {
			return errs.ConstraintViolation("commit", tx.pathOr(id), "%v", err)
		}
		if _, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
			Kind: constraint.CommitNode,
			Path: tx.pathOr(id),
			Node: tx.nodeState(rec),
			Refs: refs,
		}, eff); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Txn) nodeState(rec *record) constraint.NodeState {
	var st constraint.NodeState
	for _, name := range rec.propertyNames() {
		p := rec.props[name]
		st.Properties = append(st.Properties, constraint.PropertyState{
			Name: p.Name, Type: p.Type, Multiple: p.Multiple, Values: p.Values,
		})
	}
	for _, c := range rec.children {
		if child := tx.get(c.ID); child != nil {
			st.Children = append(st.Children, constraint.ChildState{Name: c.Name, PrimaryType: child.primaryType})
		}
	}
	return st
}

// checkReferences enforces referential integrity: REFERENCE targets must
// exist and removed nodes must not remain strongly referenced
func (tx *Txn) checkReferences() error {
	e := tx.store.engine
	for _, id := range tx.Changed() {
		for _, ref := range tx.staged[id].references() {
			if ref.weak || tx.get(ref.target) != nil {
				continue
			}
			if tx.side.hasExternal(ref.target) || tx.hooked.hasExternal(ref.target) || e.externalExists(ref.target) {
				continue
			}
			return errs.New(errs.KindReferentialIntegrity, "commit", tx.pathOr(id),
				"property %s references missing node %s", ref.prop, ref.target)
		}
	}

	removed := tx.Removed()
	sort.Strings(removed)
	for _, id := range removed {
		for _, ref := range tx.store.References(id) {
			src := tx.get(ref.NodeID)
			if src == nil {
				continue
			}
			p, ok := src.props[ref.Property]
			if !ok || p.Type != value.Reference {
				continue
			}
			for _, v := range p.Values {
				if v.String() == id {
					return errs.New(errs.KindReferentialIntegrity, "commit", id,
						"node is still referenced by %s/%s", tx.pathOr(ref.NodeID), ref.Property)
				}
			}
		}
	}
	return nil
}
