package tree

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/lock"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/storage/sqlite"
	"github.com/nainya/contentstore/pkg/value"
	"github.com/stretchr/testify/require"
)

const testTypes = `
nodeTypes:
  - name: test:base
    properties:
      - name: title
        type: String
        mandatory: true
      - name: note
        type: String
  - name: test:folder
    childNodes:
      - name: "*"
        requiredTypes: [nt:base]
        defaultType: nt:unstructured
`

func testRegistry(t *testing.T) *nodetype.Registry {
	t.Helper()
	reg := nodetype.NewRegistry()
	defs, err := nodetype.Parse([]byte(testTypes))
	require.NoError(t, err)
	_, err = reg.RegisterAll(defs, false)
	require.NoError(t, err)
	return reg
}

func openStore(t *testing.T, cfg Config) (*Engine, *Store) {
	t.Helper()
	if cfg.Types == nil {
		cfg.Types = testRegistry(t)
	}
	e, err := Open(context.Background(), cfg, "default")
	require.NoError(t, err)
	s, err := e.Workspace("default")
	require.NoError(t, err)
	return e, s
}

func add(t *testing.T, s *Store, parentPath, name, primaryType string) string {
	t.Helper()
	var id string
	err := s.Update(context.Background(), Options{UserID: "admin"}, func(tx *Txn) error {
		parent, err := tx.GetByPath(parentPath)
		if err != nil {
			return err
		}
		id, err = tx.AddNode(parent.ID, name, primaryType)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestMandatoryPropertyIsCheckedOnCommit(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})

	tx := s.Begin(Options{UserID: "admin"})
	id, err := tx.AddNode(RootID, "doc", "test:base")
	require.NoError(t, err)

	err = tx.Commit(ctx)
	require.True(t, errs.Is(err, errs.KindConstraintViolation), "got %v", err)
	_, err = s.GetByPath("/doc")
	require.True(t, errs.Is(err, errs.KindNotFound))

	require.NoError(t, tx.SetProperty(id, "title", value.NewString("x")))
	require.NoError(t, tx.Commit(ctx))

	n, err := s.GetByPath("/doc")
	require.NoError(t, err)
	require.Equal(t, id, n.ID)
	p, ok := n.Property("title")
	require.True(t, ok)
	require.Equal(t, "x", p.Value().String())
}

func TestReferenceableMixinAssignsUUID(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	id := add(t, s, "/", "n", nodetype.NTUnstructured)

	n, err := s.GetByIdentifier(id)
	require.NoError(t, err)
	require.False(t, n.HasProperty(nodetype.JcrUUID))

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		return tx.AddMixin(id, nodetype.MixReferenceable)
	}))

	n, err = s.GetByIdentifier(id)
	require.NoError(t, err)
	p, ok := n.Property(nodetype.JcrUUID)
	require.True(t, ok)
	require.NotEmpty(t, p.Value().String())
	require.Equal(t, id, p.Value().String())
	mixins, ok := n.Property(nodetype.JcrMixinTypes)
	require.True(t, ok)
	require.Equal(t, nodetype.MixReferenceable, mixins.Values[0].String())
}

func TestFailedMutationLeavesTransactionUnchanged(t *testing.T) {
	_, s := openStore(t, Config{})
	tx := s.Begin(Options{})
	defer tx.Rollback()

	id, err := tx.AddNode(RootID, "doc", "test:base")
	require.NoError(t, err)
	require.NoError(t, tx.SetProperty(id, "title", value.NewString("x")))
	before, err := tx.Get(id)
	require.NoError(t, err)
	root, err := tx.Get(RootID)
	require.NoError(t, err)

	err = tx.SetMultiProperty(id, "title", []value.Value{value.NewString("a"), value.NewString("b")})
	require.Error(t, err)
	err = tx.SetProperty(id, "undeclared", value.NewString("v"))
	require.True(t, errs.Is(err, errs.KindConstraintViolation))
	err = tx.AddMixin(id, nodetype.NTUnstructured)
	require.True(t, errs.Is(err, errs.KindConstraintViolation))
	_, err = tx.AddNode(RootID, "bad/name", "")
	require.True(t, errs.Is(err, errs.KindConstraintViolation))
	err = tx.SetProperty(id, nodetype.JcrUUID, value.NewString("forged"))
	require.True(t, errs.Is(err, errs.KindConstraintViolation))

	after, err := tx.Get(id)
	require.NoError(t, err)
	require.Equal(t, before, after)
	rootAfter, err := tx.Get(RootID)
	require.NoError(t, err)
	require.Equal(t, root, rootAfter)
}

func TestIdentifiersAreStableAcrossMoves(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	a := add(t, s, "/", "a", nodetype.NTUnstructured)
	b := add(t, s, "/a", "b", nodetype.NTUnstructured)
	leaf := add(t, s, "/a/b", "leaf", nodetype.NTUnstructured)
	c := add(t, s, "/", "c", nodetype.NTUnstructured)

	require.NoError(t, s.Move(ctx, Options{}, "/a/b", "/c/moved"))
	n, err := s.GetByPath("/c/moved")
	require.NoError(t, err)
	require.Equal(t, b, n.ID)
	n, err = s.GetByIdentifier(leaf)
	require.NoError(t, err)
	require.Equal(t, "/c/moved/leaf", n.Path)

	require.NoError(t, s.OrderBefore(ctx, Options{}, RootID, "c", "a"))
	root, err := s.GetByIdentifier(RootID)
	require.NoError(t, err)
	require.Equal(t, []ChildEntry{{Name: "c", ID: c}, {Name: "a", ID: a}}, root.Children)

	require.NoError(t, s.Move(ctx, Options{}, "/a", "/c/moved/a"))
	n, err = s.GetByIdentifier(a)
	require.NoError(t, err)
	require.Equal(t, "/c/moved/a", n.Path)

	err = s.Move(ctx, Options{}, "/c", "/c/moved/a/c")
	require.True(t, errs.Is(err, errs.KindConstraintViolation))
	n, err = s.GetByIdentifier(leaf)
	require.NoError(t, err)
	require.Equal(t, "/c/moved/leaf", n.Path)
}

func TestSameNameSiblings(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	add(t, s, "/", "list", nodetype.NTUnstructured)
	first := add(t, s, "/list", "item", "")
	second := add(t, s, "/list", "item", "")
	third := add(t, s, "/list", "item", "")

	n, err := s.GetByPath("/list/item[2]")
	require.NoError(t, err)
	require.Equal(t, second, n.ID)
	n, err = s.GetByIdentifier(third)
	require.NoError(t, err)
	require.Equal(t, "/list/item[3]", n.Path)

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(first) }))
	n, err = s.GetByPath("/list/item")
	require.NoError(t, err)
	require.Equal(t, second, n.ID)

	add(t, s, "/", "folder", "test:folder")
	add(t, s, "/folder", "child", "")
	err = s.Update(ctx, Options{}, func(tx *Txn) error {
		f, err := tx.GetByPath("/folder")
		if err != nil {
			return err
		}
		_, err = tx.AddNode(f.ID, "child", "")
		return err
	})
	require.True(t, errs.Is(err, errs.KindItemExists), "got %v", err)

	folder, err := s.GetByPath("/folder")
	require.NoError(t, err)
	err = s.OrderBefore(ctx, Options{}, folder.ID, "child", "")
	require.True(t, errs.Is(err, errs.KindUnsupported))
}

func TestRemoveCascadesToSubtree(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	a := add(t, s, "/", "a", nodetype.NTUnstructured)
	add(t, s, "/a", "b", nodetype.NTUnstructured)
	c := add(t, s, "/a/b", "c", nodetype.NTUnstructured)
	require.Equal(t, 4, s.Count())

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(a) }))
	_, err := s.GetByIdentifier(c)
	require.True(t, errs.Is(err, errs.KindNotFound))
	require.Equal(t, 1, s.Count())

	err = s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(RootID) })
	require.True(t, errs.Is(err, errs.KindConstraintViolation))
}

func TestReferentialIntegrity(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	target := add(t, s, "/", "target", nodetype.NTUnstructured)
	other := add(t, s, "/", "other", nodetype.NTUnstructured)
	src := add(t, s, "/", "src", nodetype.NTUnstructured)

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		if err := tx.SetProperty(src, "strong", value.NewReference(target)); err != nil {
			return err
		}
		return tx.SetProperty(src, "weak", value.NewWeakReference(other))
	}))
	require.Equal(t, []Reference{{NodeID: src, Property: "strong"}}, s.References(target))
	require.Equal(t, []Reference{{NodeID: src, Property: "weak", Weak: true}}, s.WeakReferences(other))

	err := s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(target) })
	require.True(t, errs.Is(err, errs.KindReferentialIntegrity), "got %v", err)
	_, err = s.GetByIdentifier(target)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(other) }))

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		if err := tx.RemoveProperty(src, "strong"); err != nil {
			return err
		}
		return tx.Remove(target)
	}))
	require.Empty(t, s.References(target))

	err = s.Update(ctx, Options{}, func(tx *Txn) error {
		return tx.SetProperty(src, "dangling", value.NewReference("00000000-0000-0000-0000-000000000000"))
	})
	require.True(t, errs.Is(err, errs.KindReferentialIntegrity))
}

func TestSnapshotIsolation(t *testing.T) {
	_, s := openStore(t, Config{})
	id := add(t, s, "/", "n", nodetype.NTUnstructured)

	snap := s.Snapshot()
	defer snap.Close()

	add(t, s, "/", "later", nodetype.NTUnstructured)
	require.NoError(t, s.Update(context.Background(), Options{}, func(tx *Txn) error {
		return tx.SetProperty(id, "v", value.NewLong(2))
	}))

	_, err := snap.GetByPath("/later")
	require.True(t, errs.Is(err, errs.KindNotFound))
	n, err := snap.Get(id)
	require.NoError(t, err)
	require.False(t, n.HasProperty("v"))

	n, err = s.GetByIdentifier(id)
	require.NoError(t, err)
	require.True(t, n.HasProperty("v"))

	var names []string
	require.NoError(t, snap.Walk(RootID, func(n *Node) error {
		names = append(names, n.Path)
		return nil
	}))
	require.Equal(t, []string{"/", "/n"}, names)
}

func TestFirstCommitterWins(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	a := add(t, s, "/", "a", nodetype.NTUnstructured)
	b := add(t, s, "/", "b", nodetype.NTUnstructured)

	tx1 := s.Begin(Options{})
	tx2 := s.Begin(Options{})
	tx3 := s.Begin(Options{})
	require.NoError(t, tx1.SetProperty(a, "v", value.NewString("one")))
	require.NoError(t, tx2.SetProperty(a, "v", value.NewString("two")))
	require.NoError(t, tx3.SetProperty(b, "v", value.NewString("three")))

	require.NoError(t, tx1.Commit(ctx))
	err := tx2.Commit(ctx)
	require.True(t, errs.Is(err, errs.KindInvalidState), "got %v", err)
	tx2.Rollback()
	require.NoError(t, tx3.Commit(ctx))

	n, err := s.GetByIdentifier(a)
	require.NoError(t, err)
	p, _ := n.Property("v")
	require.Equal(t, "one", p.Value().String())

	err = tx1.Commit(ctx)
	require.True(t, errs.Is(err, errs.KindInvalidState))
}

func TestCheckedInNodeIsReadOnly(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	id := add(t, s, "/", "v", nodetype.NTUnstructured)
	add(t, s, "/v", "child", nodetype.NTUnstructured)

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		if err := tx.AddMixin(id, nodetype.MixSimpleVersionable); err != nil {
			return err
		}
		return tx.AsSystem(func() error {
			return tx.SetProperty(id, nodetype.JcrIsCheckedOut, value.NewBoolean(false))
		})
	}))

	err := s.Update(ctx, Options{}, func(tx *Txn) error {
		return tx.SetProperty(id, "title", value.NewString("t"))
	})
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	err = s.Update(ctx, Options{}, func(tx *Txn) error {
		child, err := tx.GetByPath("/v/child")
		if err != nil {
			return err
		}
		return tx.SetProperty(child.ID, "title", value.NewString("t"))
	})
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	require.NoError(t, s.Update(ctx, Options{System: true}, func(tx *Txn) error {
		return tx.SetProperty(id, "title", value.NewString("restored"))
	}))
}

func TestLockedNodeRejectsOtherWriters(t *testing.T) {
	ctx := context.Background()
	_, s := openStore(t, Config{})
	id := add(t, s, "/", "locked", nodetype.NTUnstructured)

	locks := lock.NewManager(nil)
	s.SetLockChecker(locks)
	l, err := locks.Acquire(lock.Request{NodeID: id, Ancestors: []string{RootID}, Owner: "alice", Deep: true})
	require.NoError(t, err)

	err = s.Update(ctx, Options{UserID: "bob"}, func(tx *Txn) error {
		_, err := tx.AddNode(id, "child", "")
		return err
	})
	require.True(t, errs.Is(err, errs.KindLockConflict), "got %v", err)

	require.NoError(t, s.Update(ctx, Options{UserID: "alice", LockTokens: []string{l.Token}}, func(tx *Txn) error {
		_, err := tx.AddNode(id, "child", "")
		return err
	}))
}

type eventSink struct {
	ch chan []observation.Event
}

func (s *eventSink) OnEvents(events []observation.Event) error {
	s.ch <- events
	return nil
}

func (s *eventSink) next(t *testing.T) []observation.Event {
	t.Helper()
	select {
	case b := <-s.ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
		return nil
	}
}

func types(bundle []observation.Event) []observation.Type {
	out := make([]observation.Type, len(bundle))
	for i, e := range bundle {
		out[i] = e.Type
	}
	return out
}

func TestCommitEmitsEventsInOrder(t *testing.T) {
	ctx := context.Background()
	d := observation.NewDispatcher(observation.Options{})
	defer d.Close()
	sink := &eventSink{ch: make(chan []observation.Event, 16)}
	d.AddListener(sink, observation.Filter{})
	_, s := openStore(t, Config{Dispatcher: d})

	id := add(t, s, "/", "a", nodetype.NTUnstructured)
	b := sink.next(t)
	require.Equal(t, []observation.Type{observation.NodeAdded, observation.PropertyAdded, observation.Persist}, types(b))
	require.Equal(t, "/a", b[0].Path)
	require.Equal(t, id, b[0].Identifier)
	require.Equal(t, "admin", b[0].UserID)
	require.Equal(t, "/a/jcr:primaryType", b[1].Path)
	first := b[0].Seq

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		return tx.SetProperty(id, "p", value.NewString("1"))
	}))
	b = sink.next(t)
	require.Equal(t, []observation.Type{observation.PropertyAdded, observation.Persist}, types(b))
	require.Greater(t, b[0].Seq, first)

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		return tx.SetProperty(id, "p", value.NewString("2"))
	}))
	require.Equal(t, []observation.Type{observation.PropertyChanged, observation.Persist}, types(sink.next(t)))

	require.NoError(t, s.Move(ctx, Options{}, "/a", "/b"))
	b = sink.next(t)
	require.Equal(t, []observation.Type{observation.NodeMoved, observation.NodeRemoved, observation.NodeAdded, observation.Persist}, types(b))
	require.Equal(t, "/a", b[0].Info["srcAbsPath"])
	require.Equal(t, "/b", b[0].Info["destAbsPath"])

	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(id) }))
	b = sink.next(t)
	require.Equal(t, []observation.Type{observation.NodeRemoved, observation.Persist}, types(b))
	require.Equal(t, "/b", b[0].Path)
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.db")
	backend, err := sqlite.Open(path)
	require.NoError(t, err)

	reg := testRegistry(t)
	_, s := openStore(t, Config{Types: reg, Backend: backend})
	data := bytes.Repeat([]byte("content "), 1000)
	id := add(t, s, "/", "file", nodetype.NTUnstructured)
	target := add(t, s, "/", "target", nodetype.NTUnstructured)
	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error {
		if err := tx.SetProperty(id, "data", value.NewBinary(data)); err != nil {
			return err
		}
		if err := tx.SetProperty(id, "ref", value.NewReference(target)); err != nil {
			return err
		}
		return tx.SetMultiProperty(id, "tags", []value.Value{value.NewString("a"), value.NewString("b")})
	}))
	require.NoError(t, backend.Close())

	backend, err = sqlite.Open(path)
	require.NoError(t, err)
	defer backend.Close()
	e, s := openStore(t, Config{Types: reg, Backend: backend})
	require.Greater(t, e.Seq(), uint64(0))

	n, err := s.GetByPath("/file")
	require.NoError(t, err)
	require.Equal(t, id, n.ID)
	p, ok := n.Property("data")
	require.True(t, ok)
	require.True(t, bytes.Equal(data, p.Value().Bytes()))
	p, _ = n.Property("tags")
	require.True(t, p.Multiple)
	require.Len(t, p.Values, 2)
	require.Equal(t, []Reference{{NodeID: id, Property: "ref"}}, s.References(target))

	img, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, img.Bucket(storage.BucketBlobs), 1)
}

func TestCloneAndCopy(t *testing.T) {
	ctx := context.Background()
	e, src := openStore(t, Config{})
	dst, err := e.CreateWorkspace(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, []string{"default", "other"}, e.WorkspaceNames())

	a := add(t, src, "/", "a", nodetype.NTUnstructured)
	b := add(t, src, "/a", "b", nodetype.NTUnstructured)
	require.NoError(t, src.Update(ctx, Options{}, func(tx *Txn) error {
		return tx.SetProperty(a, "link", value.NewReference(b))
	}))

	require.NoError(t, dst.Clone(ctx, Options{}, src, "/a", "/a", false))
	n, err := dst.GetByPath("/a/b")
	require.NoError(t, err)
	require.Equal(t, b, n.ID)

	err = dst.Clone(ctx, Options{}, src, "/a", "/again", false)
	require.True(t, errs.Is(err, errs.KindIdentityCollision), "got %v", err)
	require.NoError(t, dst.Clone(ctx, Options{}, src, "/a", "/again", true))
	_, err = dst.GetByPath("/a")
	require.True(t, errs.Is(err, errs.KindNotFound))
	n, err = dst.GetByIdentifier(a)
	require.NoError(t, err)
	require.Equal(t, "/again", n.Path)

	require.NoError(t, src.Copy(ctx, Options{}, src, "/a", "/copy"))
	cp, err := src.GetByPath("/copy")
	require.NoError(t, err)
	require.NotEqual(t, a, cp.ID)
	cb, err := src.GetByPath("/copy/b")
	require.NoError(t, err)
	require.NotEqual(t, b, cb.ID)
	link, _ := cp.Property("link")
	require.Equal(t, cb.ID, link.Value().String())
}

func TestTypeUsage(t *testing.T) {
	ctx := context.Background()
	e, s := openStore(t, Config{})
	require.False(t, e.IsTypeInUse("test:folder"))
	id := add(t, s, "/", "f", "test:folder")
	require.True(t, e.IsTypeInUse("test:folder"))
	require.NoError(t, s.Update(ctx, Options{}, func(tx *Txn) error { return tx.Remove(id) }))
	require.False(t, e.IsTypeInUse("test:folder"))
}
