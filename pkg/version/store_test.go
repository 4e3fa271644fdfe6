// ABOUTME: Tests for the version graph manager
// ABOUTME: Verifies checkin chains, graph repair, restore, merge and temporal lookups

package version

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
	"github.com/stretchr/testify/require"
)

var admin = tree.Options{UserID: "admin"}

// clock advances one minute per reading
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

func setup(t *testing.T, backend storage.Backend, workspaces ...string) (*tree.Engine, *Manager) {
	t.Helper()
	if len(workspaces) == 0 {
		workspaces = []string{"default"}
	}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e, err := tree.Open(context.Background(), tree.Config{
		Types:   nodetype.NewRegistry(),
		Backend: backend,
		Now:     c.now,
	}, workspaces...)
	require.NoError(t, err)
	return e, New(e)
}

func workspace(t *testing.T, e *tree.Engine, name string) *tree.Store {
	t.Helper()
	s, err := e.Workspace(name)
	require.NoError(t, err)
	return s
}

// versionableDoc creates /doc with a text property and a plain child c
func versionableDoc(t *testing.T, s *tree.Store) (string, string) {
	t.Helper()
	var doc, child string
	err := s.Update(context.Background(), admin, func(tx *tree.Txn) error {
		var err error
		if doc, err = tx.AddNode(tree.RootID, "doc", nodetype.NTUnstructured); err != nil {
			return err
		}
		if err := tx.AddMixin(doc, nodetype.MixVersionable); err != nil {
			return err
		}
		if err := tx.SetProperty(doc, "text", value.NewString("a")); err != nil {
			return err
		}
		child, err = tx.AddNode(doc, "c", nodetype.NTUnstructured)
		return err
	})
	require.NoError(t, err)
	return doc, child
}

func setText(t *testing.T, s *tree.Store, id, text string) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), admin, func(tx *tree.Txn) error {
		return tx.SetProperty(id, "text", value.NewString(text))
	}))
}

func text(t *testing.T, s *tree.Store, id string) string {
	t.Helper()
	n, err := s.GetByIdentifier(id)
	require.NoError(t, err)
	p, ok := n.Property("text")
	require.True(t, ok)
	return p.Value().String()
}

func TestVersionableNodeGetsHistory(t *testing.T) {
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)

	n, err := s.GetByIdentifier(doc)
	require.NoError(t, err)
	p, ok := n.Property(nodetype.JcrVersionHistory)
	require.True(t, ok)

	h, err := m.History(doc)
	require.NoError(t, err)
	require.Equal(t, p.Value().String(), h.ID)
	require.Equal(t, doc, h.VersionableID)
	require.Empty(t, h.Versions)
	require.True(t, m.Exists(h.ID))

	out, err := m.IsCheckedOut(s, doc)
	require.NoError(t, err)
	require.True(t, out)
}

func TestCheckinCreatesRootThenSuccessor(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)

	v1, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.Equal(t, "1.0", v1.Name)
	require.Empty(t, v1.Predecessors)

	err = s.Update(ctx, admin, func(tx *tree.Txn) error {
		return tx.SetProperty(doc, "text", value.NewString("blocked"))
	})
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	again, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.Equal(t, v1.ID, again.ID)

	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	setText(t, s, doc, "b")
	v2, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.Equal(t, "1.1", v2.Name)
	require.Equal(t, []string{v1.ID}, v2.Predecessors)

	h, err := m.History(doc)
	require.NoError(t, err)
	all, err := m.AllVersions(h.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, v1.ID, all[0].ID)
	require.Equal(t, v2.ID, all[1].ID)
	require.Equal(t, []string{v2.ID}, all[0].Successors)
	require.Equal(t, v1.ID, h.RootVersion)

	frozen, ok := all[0].Frozen.Property("text")
	require.True(t, ok)
	require.Equal(t, "a", frozen.Values[0].String())

	base, err := m.BaseVersion(s, doc)
	require.NoError(t, err)
	require.Equal(t, v2.ID, base.ID)
}

func TestCheckpointLeavesNodeCheckedOut(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)

	v, err := m.Checkpoint(ctx, s, admin, doc)
	require.NoError(t, err)
	out, err := m.IsCheckedOut(s, doc)
	require.NoError(t, err)
	require.True(t, out)

	n, err := s.GetByIdentifier(doc)
	require.NoError(t, err)
	p, ok := n.Property(nodetype.JcrPredecessors)
	require.True(t, ok)
	require.Equal(t, v.ID, p.Values[0].String())
}

func TestRemoveVersionRepairsGraph(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)

	v1, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	mid, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	v2, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)

	// branch a second successor off mid
	require.NoError(t, m.Restore(ctx, s, admin, mid.ID, false))
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	v3, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.Equal(t, "1.1.1", v3.Name)

	h, err := m.History(doc)
	require.NoError(t, err)
	cur, _ := h.Version(mid.ID)
	require.ElementsMatch(t, []string{v2.ID, v3.ID}, cur.Successors)

	err = m.RemoveVersion(ctx, h.ID, v1.Name)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)
	err = m.RemoveVersion(ctx, h.ID, v3.Name)
	require.True(t, errs.Is(err, errs.KindReferentialIntegrity), "got %v", err)

	require.NoError(t, m.RemoveVersion(ctx, h.ID, mid.Name))

	h, err = m.History(doc)
	require.NoError(t, err)
	require.Len(t, h.Versions, 3)
	root, _ := h.Version(v1.ID)
	require.ElementsMatch(t, []string{v2.ID, v3.ID}, root.Successors)
	for _, id := range []string{v2.ID, v3.ID} {
		v, ok := h.Version(id)
		require.True(t, ok)
		require.Equal(t, []string{v1.ID}, v.Predecessors)
	}
	_, err = m.Version(mid.ID)
	require.True(t, errs.Is(err, errs.KindNotFound))
	require.NoError(t, h.check())
}

func TestLabelsAndTemporalLookup(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)

	v1, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	v2, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	h, err := m.History(doc)
	require.NoError(t, err)

	require.NoError(t, m.AddVersionLabel(ctx, h.ID, v1.Name, "stable", false))
	err = m.AddVersionLabel(ctx, h.ID, v2.Name, "stable", false)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	got, err := m.VersionByLabel(h.ID, "stable")
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)

	require.NoError(t, m.AddVersionLabel(ctx, h.ID, v2.Name, "stable", true))
	got, err = m.VersionByLabel(h.ID, "stable")
	require.NoError(t, err)
	require.Equal(t, v2.ID, got.ID)

	h, err = m.History(doc)
	require.NoError(t, err)
	require.Equal(t, []string{"stable"}, h.LabelsOf(v2.ID))
	require.Empty(t, h.LabelsOf(v1.ID))

	require.NoError(t, m.RemoveVersionLabel(ctx, h.ID, "stable"))
	_, err = m.VersionByLabel(h.ID, "stable")
	require.True(t, errs.Is(err, errs.KindNotFound))

	got, err = m.VersionAsOf(h.ID, v1.Created)
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)
	got, err = m.VersionAsOf(h.ID, v2.Created.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)
	got, err = m.VersionAsOf(h.ID, v2.Created.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, v2.ID, got.ID)
	_, err = m.VersionAsOf(h.ID, v1.Created.Add(-time.Second))
	require.True(t, errs.Is(err, errs.KindNotFound))

	name := v1.Name
	got, err = m.Find(Query{HistoryID: h.ID, Name: &name})
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)
	got, err = m.Find(Query{HistoryID: h.ID})
	require.NoError(t, err)
	require.Equal(t, v2.ID, got.ID)
}

func TestRestoreReplacesContent(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, child := versionableDoc(t, s)

	v1, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	setText(t, s, doc, "b")
	v2, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)

	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	require.NoError(t, s.Update(ctx, admin, func(tx *tree.Txn) error {
		if err := tx.SetProperty(doc, "text", value.NewString("c")); err != nil {
			return err
		}
		if err := tx.SetProperty(doc, "extra", value.NewLong(7)); err != nil {
			return err
		}
		if err := tx.Remove(child); err != nil {
			return err
		}
		_, err := tx.AddNode(doc, "d", nodetype.NTUnstructured)
		return err
	}))

	err = m.Restore(ctx, s, admin, v1.ID, false)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	require.NoError(t, m.Restore(ctx, s, admin, v2.ID, false))
	require.Equal(t, "b", text(t, s, doc))

	n, err := s.GetByIdentifier(doc)
	require.NoError(t, err)
	require.False(t, n.HasProperty("extra"))
	require.Len(t, n.Children, 1)
	require.Equal(t, child, n.Children[0].ID)
	_, err = s.GetByPath("/doc/d")
	require.True(t, errs.Is(err, errs.KindNotFound))

	out, err := m.IsCheckedOut(s, doc)
	require.NoError(t, err)
	require.False(t, out)
	base, err := m.BaseVersion(s, doc)
	require.NoError(t, err)
	require.Equal(t, v2.ID, base.ID)
}

func TestRestoreIdentityCollision(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, child := versionableDoc(t, s)

	_, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	v2, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	require.NoError(t, s.Move(ctx, admin, "/doc/c", "/c"))

	err = m.Restore(ctx, s, admin, v2.ID, false)
	require.True(t, errs.Is(err, errs.KindIdentityCollision), "got %v", err)
	moved, err := s.GetByPath("/c")
	require.NoError(t, err)
	require.Equal(t, child, moved.ID)
	out, err := m.IsCheckedOut(s, doc)
	require.NoError(t, err)
	require.True(t, out)

	require.NoError(t, m.Restore(ctx, s, admin, v2.ID, true))
	_, err = s.GetByPath("/c")
	require.True(t, errs.Is(err, errs.KindNotFound))
	restored, err := s.GetByPath("/doc/c")
	require.NoError(t, err)
	require.Equal(t, child, restored.ID)
}

func TestRestoreBatchRules(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)

	_, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))
	v2, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, s, admin, doc))

	require.NoError(t, s.Update(ctx, admin, func(tx *tree.Txn) error {
		return tx.Remove(doc)
	}))
	err = m.RestoreAll(ctx, s, admin, []string{v2.ID}, false)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	h, err := m.History(doc)
	require.NoError(t, err)
	require.Len(t, h.Versions, 2)
}

func TestMergeAcrossWorkspaces(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil, "default", "other")
	src := workspace(t, e, "default")
	dst := workspace(t, e, "other")
	doc, _ := versionableDoc(t, src)

	_, err := m.Checkin(ctx, src, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, src, admin, doc))
	_, err = m.Checkin(ctx, src, admin, doc)
	require.NoError(t, err)
	require.NoError(t, dst.Clone(ctx, admin, src, "/doc", "/doc", false))

	require.NoError(t, m.Checkout(ctx, src, admin, doc))
	setText(t, src, doc, "newer")
	v3, err := m.Checkin(ctx, src, admin, doc)
	require.NoError(t, err)

	failed, err := m.Merge(ctx, dst, admin, src, "/", false)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.Equal(t, "newer", text(t, dst, doc))
	base, err := m.BaseVersion(dst, doc)
	require.NoError(t, err)
	require.Equal(t, v3.ID, base.ID)

	// diverge: both workspaces check in a successor of v3
	require.NoError(t, m.Checkout(ctx, dst, admin, doc))
	v4, err := m.Checkin(ctx, dst, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, src, admin, doc))
	v5, err := m.Checkin(ctx, src, admin, doc)
	require.NoError(t, err)

	_, err = m.Merge(ctx, dst, admin, src, "/", false)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	failed, err = m.Merge(ctx, dst, admin, src, "/", true)
	require.NoError(t, err)
	require.Equal(t, []string{doc}, failed)

	require.NoError(t, m.Checkout(ctx, dst, admin, doc))
	_, err = m.Checkin(ctx, dst, admin, doc)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	require.NoError(t, m.DoneMerge(ctx, dst, admin, doc, v5.ID))
	v6, err := m.Checkin(ctx, dst, admin, doc)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{v4.ID, v5.ID}, v6.Predecessors)

	h, err := m.History(doc)
	require.NoError(t, err)
	require.NoError(t, h.check())
}

func TestCancelMergeDiscardsFailure(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil, "default", "other")
	src := workspace(t, e, "default")
	dst := workspace(t, e, "other")
	doc, _ := versionableDoc(t, src)

	_, err := m.Checkin(ctx, src, admin, doc)
	require.NoError(t, err)
	require.NoError(t, m.Checkout(ctx, src, admin, doc))
	require.NoError(t, dst.Clone(ctx, admin, src, "/doc", "/doc", false))
	foreign, err := m.Checkin(ctx, src, admin, doc)
	require.NoError(t, err)

	failed, err := m.Merge(ctx, dst, admin, src, "/doc", true)
	require.NoError(t, err)
	require.Equal(t, []string{doc}, failed)

	require.NoError(t, m.CancelMerge(ctx, dst, admin, doc, foreign.ID))
	n, err := dst.GetByIdentifier(doc)
	require.NoError(t, err)
	require.False(t, n.HasProperty(nodetype.JcrMergeFailed))
	_, err = m.Checkin(ctx, dst, admin, doc)
	require.NoError(t, err)
}

func TestCheckinAbortProperty(t *testing.T) {
	ctx := context.Background()
	e, m := setup(t, nil)
	defs, err := nodetype.Parse([]byte(`
nodeTypes:
  - name: test:doc
    supertypes: [nt:unstructured]
    properties:
      - name: draft
        type: String
        onParentVersion: ABORT
`))
	require.NoError(t, err)
	_, err = e.Types().RegisterAll(defs, false)
	require.NoError(t, err)
	s := workspace(t, e, "default")

	var doc string
	require.NoError(t, s.Update(ctx, admin, func(tx *tree.Txn) error {
		var err error
		if doc, err = tx.AddNode(tree.RootID, "doc", "test:doc"); err != nil {
			return err
		}
		if err := tx.AddMixin(doc, nodetype.MixVersionable); err != nil {
			return err
		}
		return tx.SetProperty(doc, "draft", value.NewString("wip"))
	}))

	_, err = m.Checkin(ctx, s, admin, doc)
	require.True(t, errs.Is(err, errs.KindVersionConflict), "got %v", err)

	require.NoError(t, s.Update(ctx, admin, func(tx *tree.Txn) error {
		return tx.RemoveProperty(doc, "draft")
	}))
	_, err = m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
}

func TestNonVersionableNodeIsUnsupported(t *testing.T) {
	e, m := setup(t, nil)
	s := workspace(t, e, "default")
	var id string
	require.NoError(t, s.Update(context.Background(), admin, func(tx *tree.Txn) error {
		var err error
		id, err = tx.AddNode(tree.RootID, "plain", nodetype.NTUnstructured)
		return err
	}))
	_, err := m.Checkin(context.Background(), s, admin, id)
	require.True(t, errs.Is(err, errs.KindUnsupported), "got %v", err)
}

func TestHistoriesSurviveReload(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e, m := setup(t, backend)
	s := workspace(t, e, "default")
	doc, _ := versionableDoc(t, s)
	v1, err := m.Checkin(ctx, s, admin, doc)
	require.NoError(t, err)
	h, err := m.History(doc)
	require.NoError(t, err)
	require.NoError(t, m.AddVersionLabel(ctx, h.ID, v1.Name, "first", false))

	e2, m2 := setup(t, backend)
	img, err := backend.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, m2.Load(img))

	h2, err := m2.History(doc)
	require.NoError(t, err)
	require.Len(t, h2.Versions, 1)
	require.Equal(t, v1.ID, h2.Labels["first"])
	base, err := m2.BaseVersion(workspace(t, e2, "default"), doc)
	require.NoError(t, err)
	require.Equal(t, v1.ID, base.ID)
	frozen, ok := base.Frozen.Property("text")
	require.True(t, ok)
	require.Equal(t, "a", frozen.Values[0].String())
}

func TestHistoryCheckRejectsCycles(t *testing.T) {
	h := newHistory("h", "n", "default")
	a := &Version{ID: "a", Name: "1.0", HistoryID: "h"}
	b := &Version{ID: "b", Name: "1.1", HistoryID: "h", Predecessors: []string{"a"}}
	h.addVersion(a)
	h.addVersion(b)
	require.NoError(t, h.check())
	require.Equal(t, "1.2", h.nextName([]string{"b"}))
	require.Equal(t, "1.0.1", h.nextName([]string{"a"}))

	cyclic := h.clone()
	ca, _ := cyclic.Version("a")
	cb, _ := cyclic.Version("b")
	ca.Predecessors = []string{"b"}
	cb.Successors = []string{"a"}
	require.Error(t, cyclic.check())
	require.NoError(t, h.check())
}
