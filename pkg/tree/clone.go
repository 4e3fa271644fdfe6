package tree

import (
	"context"

	"github.com/google/uuid"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/value"
)

// per-workspace state that never travels with a copied node
var lockProps = []string{nodetype.JcrLockOwner, nodetype.JcrLockIsDeep}

var versionProps = []string{
	nodetype.JcrVersionHistory, nodetype.JcrBaseVersion,
	nodetype.JcrPredecessors, nodetype.JcrMergeFailed, nodetype.JcrIsCheckedOut,
}

// Clone copies the subtree at srcPath of src into this workspace at
// destPath, keeping identifiers. A node of this workspace already holding
// one of the identifiers is removed first when removeExisting is set;
// otherwise the clone fails with IdentityCollision and nothing changes.
func (s *Store) Clone(ctx context.Context, opts Options, src *Store, srcPath, destPath string, removeExisting bool) error {
	if src == s {
		return errs.Unsupported("clone", srcPath, "source and destination workspace are the same")
	}
	snap := src.Snapshot()
	defer snap.Close()
	rootID, err := resolve(snap, srcPath)
	if err != nil {
		return err
	}
	ids := subtree(snap, rootID)

	return s.Update(ctx, opts, func(tx *Txn) error {
		for _, id := range ids {
			if tx.get(id) == nil {
				continue
			}
			if !removeExisting {
				return errs.New(errs.KindIdentityCollision, "clone", tx.pathOr(id), "identifier %s already exists", id)
			}
			if err := tx.Remove(id); err != nil {
				return err
			}
		}
		parentID, name, err := tx.destination("clone", destPath)
		if err != nil {
			return err
		}
		return tx.copyNode(snap, rootID, parentID, name, nil)
	})
}

// Copy copies the subtree at srcPath of src to destPath in this workspace
// with fresh identifiers. REFERENCE values pointing into the copied subtree
// are remapped to the copies; version history links are not carried over.
func (s *Store) Copy(ctx context.Context, opts Options, src *Store, srcPath, destPath string) error {
	snap := src.Snapshot()
	defer snap.Close()
	rootID, err := resolve(snap, srcPath)
	if err != nil {
		return err
	}
	fresh := make(map[string]string)
	for _, id := range subtree(snap, rootID) {
		fresh[id] = uuid.NewString()
	}
	return s.Update(ctx, opts, func(tx *Txn) error {
		parentID, name, err := tx.destination("copy", destPath)
		if err != nil {
			return err
		}
		return tx.copyNode(snap, rootID, parentID, name, fresh)
	})
}

// destination resolves the parent and name of a new node at an absolute path
func (tx *Txn) destination(op, destPath string) (string, string, error) {
	dp, err := value.ParsePath(destPath)
	if err != nil || !dp.IsAbsolute() || dp.IsRoot() {
		return "", "", errs.New(errs.KindValueFormat, op, destPath, "invalid destination path")
	}
	if dp.Last().Index > 0 {
		return "", "", errs.ConstraintViolation(op, destPath, "destination must not carry an index")
	}
	parentPath, _ := dp.Parent()
	parentID, err := resolve(tx, parentPath.String())
	if err != nil {
		return "", "", err
	}
	return parentID, dp.Last().Name, nil
}

// copyNode recreates id of src below parentID. A nil fresh map keeps
// identifiers.
func (tx *Txn) copyNode(src reader, id, parentID, name string, fresh map[string]string) error {
	rec := src.get(id)
	if rec == nil {
		return errs.NotFound("copy", id)
	}
	newID := id
	if fresh != nil {
		newID = fresh[id]
	}
	if _, err := tx.AddNodeSpec(parentID, NodeSpec{
		Name: name, PrimaryType: rec.primaryType, ID: newID, Mixins: rec.mixins, Bare: true,
	}); err != nil {
		return err
	}

	// children first: copied state may mark the node checked in
	for _, c := range rec.children {
		if err := tx.copyNode(src, c.ID, newID, c.Name, fresh); err != nil {
			return err
		}
	}
	m := tx.mutable(newID)
	for _, pname := range rec.propertyNames() {
		if pname == nodetype.JcrPrimaryType || pname == nodetype.JcrMixinTypes || contains(lockProps, pname) {
			continue
		}
		p := rec.props[pname].clone()
		if fresh != nil {
			if contains(versionProps, pname) {
				continue
			}
			remap(p, newID, fresh)
		}
		m.props[pname] = p
	}
	return nil
}

func remap(p *Property, newID string, fresh map[string]string) {
	if p.Name == nodetype.JcrUUID {
		p.Values = []value.Value{value.NewString(newID)}
		return
	}
	if !p.Type.IsReference() {
		return
	}
	for i, v := range p.Values {
		target, ok := fresh[v.String()]
		if !ok {
			continue
		}
		if p.Type == value.Reference {
			p.Values[i] = value.NewReference(target)
		} else {
			p.Values[i] = value.NewWeakReference(target)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
