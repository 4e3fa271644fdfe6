package nodetype

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/value"
	"github.com/stretchr/testify/require"
)

func baseTypes() []Definition {
	title := PropertyDefinition{
		ItemDefinition: ItemDefinition{Name: "title", Mandatory: true},
		RequiredType:   value.String,
	}
	subtitle := PropertyDefinition{
		ItemDefinition: ItemDefinition{Name: "subtitle"},
		RequiredType:   value.String,
	}
	return []Definition{
		{Name: "test:base", Properties: []PropertyDefinition{title}},
		{Name: "test:derived", Supertypes: []string{"test:base"}, Properties: []PropertyDefinition{subtitle}},
	}
}

func propNames(defs []*PropertyDefinition) map[string]*PropertyDefinition {
	out := make(map[string]*PropertyDefinition)
	for _, d := range defs {
		out[d.Name] = d
	}
	return out
}

func TestBuiltinsRegistered(t *testing.T) {
	reg := NewRegistry()
	snap := reg.Snapshot()
	for _, n := range []string{NTBase, NTUnstructured, NTFile, NTFolder, NTResource, MixVersionable, MixReferenceable, RepRoot} {
		require.True(t, snap.Has(n), n)
	}

	file, err := reg.Get(NTFile)
	require.NoError(t, err)
	require.True(t, file.IsNodeType(NTHierarchyNode))
	require.True(t, file.IsNodeType(MixCreated))
	require.True(t, file.IsNodeType(NTBase))
	require.Equal(t, JcrContent, file.PrimaryItemName())

	versionable, err := reg.Get(MixVersionable)
	require.NoError(t, err)
	props := propNames(versionable.PropertyDefinitions())
	require.Contains(t, props, JcrUUID)
	require.Contains(t, props, JcrIsCheckedOut)
	require.Equal(t, OPVAbort, props[JcrMergeFailed].OnParentVersion)
}

func TestInheritanceMerge(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)

	derived, err := reg.Get("test:derived")
	require.NoError(t, err)
	props := propNames(derived.PropertyDefinitions())
	require.Contains(t, props, "title")
	require.Contains(t, props, "subtitle")
	require.Contains(t, props, JcrPrimaryType)
	require.Equal(t, "test:base", props["title"].DeclaringType)
	require.Equal(t, []string{NTBase, "test:base"}, derived.SupertypeNames())
}

func TestMostDerivedDeclarationWins(t *testing.T) {
	reg := NewRegistry()
	defs := baseTypes()
	defs[1].Properties = append(defs[1].Properties, PropertyDefinition{
		ItemDefinition: ItemDefinition{Name: "title"},
		RequiredType:   value.Long,
	})
	_, err := reg.RegisterAll(defs, false)
	require.NoError(t, err)

	derived, _ := reg.Get("test:derived")
	title := propNames(derived.PropertyDefinitions())["title"]
	require.Equal(t, value.Long, title.RequiredType)
	require.False(t, title.Mandatory)
}

func TestDiamondInheritance(t *testing.T) {
	reg := NewRegistry()
	prop := func(n string) PropertyDefinition {
		return PropertyDefinition{ItemDefinition: ItemDefinition{Name: n}, RequiredType: value.String}
	}
	_, err := reg.RegisterAll([]Definition{
		{Name: "t:left", Supertypes: []string{"t:top"}, Properties: []PropertyDefinition{prop("l")}},
		{Name: "t:right", Supertypes: []string{"t:top"}, Properties: []PropertyDefinition{prop("r")}},
		{Name: "t:top", Properties: []PropertyDefinition{prop("top")}},
		{Name: "t:bottom", Supertypes: []string{"t:left", "t:right"}},
	}, false)
	require.NoError(t, err)

	bottom, _ := reg.Get("t:bottom")
	require.Equal(t, []string{NTBase, "t:top", "t:left", "t:right"}, bottom.SupertypeNames())
	props := propNames(bottom.PropertyDefinitions())
	require.Contains(t, props, "l")
	require.Contains(t, props, "r")
	require.Contains(t, props, "top")
}

func TestBatchForwardReference(t *testing.T) {
	reg := NewRegistry()
	defs := baseTypes()
	defs[0], defs[1] = defs[1], defs[0]
	types, err := reg.RegisterAll(defs, false)
	require.NoError(t, err)
	require.Equal(t, "test:derived", types[0].Name())
}

func TestCycleRegistersNothing(t *testing.T) {
	reg := NewRegistry()
	before := reg.Snapshot().Generation()
	_, err := reg.RegisterAll([]Definition{
		{Name: "t:a", Supertypes: []string{"t:b"}},
		{Name: "t:b", Supertypes: []string{"t:a"}},
	}, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrInvalidDefinition))
	require.False(t, reg.Snapshot().Has("t:a"))
	require.False(t, reg.Snapshot().Has("t:b"))
	require.Equal(t, before, reg.Snapshot().Generation())
}

func TestInvalidDefinitions(t *testing.T) {
	cases := []Definition{
		{Name: "bad/name"},
		{Name: "t:x", Supertypes: []string{"t:missing"}},
		{Name: "t:mix", Mixin: true, Supertypes: []string{NTUnstructured}},
		{Name: "t:res", Properties: []PropertyDefinition{{
			ItemDefinition: ItemDefinition{Name: Residual, AutoCreated: true},
		}}},
		{Name: "t:cons", Properties: []PropertyDefinition{{
			ItemDefinition:   ItemDefinition{Name: "n"},
			RequiredType:     value.Long,
			ValueConstraints: []string{"[1,5]"},
			DefaultValues:    []value.Value{value.NewLong(9)},
		}}},
		{Name: "t:child", ChildNodes: []NodeDefinition{{
			ItemDefinition:     ItemDefinition{Name: "c", AutoCreated: true},
			DefaultPrimaryType: "",
		}}},
		{Name: "t:abs", ChildNodes: []NodeDefinition{{
			ItemDefinition:     ItemDefinition{Name: "c"},
			DefaultPrimaryType: NTHierarchyNode,
		}}},
	}
	for _, d := range cases {
		reg := NewRegistry()
		_, err := reg.Register(d, false)
		require.Error(t, err, d.Name)
		require.True(t, errors.Is(err, errs.ErrInvalidDefinition), "%s: %v", d.Name, err)
	}
}

func TestRegisterExisting(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)

	_, err = reg.Register(baseTypes()[0], false)
	require.True(t, errors.Is(err, errs.ErrNodeTypeExists))

	_, err = reg.Register(Definition{Name: NTUnstructured}, true)
	require.True(t, errors.Is(err, errs.ErrUnsupported))

	upd := baseTypes()[0]
	upd.NoQuery = true
	nt, err := reg.Register(upd, true)
	require.NoError(t, err)
	require.False(t, nt.IsQueryable())
}

func TestUpdateInUseRejectsNewMandatory(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)
	reg.SetUsageFunc(func(name string) bool { return name == "test:base" })

	upd := baseTypes()[0]
	upd.Properties = append(upd.Properties, PropertyDefinition{
		ItemDefinition: ItemDefinition{Name: "extra", Mandatory: true},
		RequiredType:   value.String,
	})
	_, err = reg.Register(upd, true)
	require.True(t, errors.Is(err, errs.ErrConstraintViolation))
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)

	require.True(t, errors.Is(reg.Unregister("test:none"), errs.ErrNotFound))
	require.True(t, errors.Is(reg.Unregister(NTBase), errs.ErrUnsupported))
	require.True(t, errors.Is(reg.Unregister("test:base"), errs.ErrConstraintViolation))

	reg.SetUsageFunc(func(name string) bool { return name == "test:derived" })
	require.True(t, errors.Is(reg.Unregister("test:derived"), errs.ErrConstraintViolation))

	reg.SetUsageFunc(nil)
	require.NoError(t, reg.Unregister("test:derived", "test:base"))
	require.False(t, reg.Snapshot().Has("test:base"))
}

func TestEffectiveTypeMemoisedPerSnapshot(t *testing.T) {
	reg := NewRegistry()
	snap := reg.Snapshot()
	a, err := snap.Effective(NTUnstructured, []string{MixVersionable})
	require.NoError(t, err)
	b, err := snap.Effective(NTUnstructured, []string{MixVersionable})
	require.NoError(t, err)
	require.Same(t, a, b)
	require.True(t, a.IsNodeType(MixReferenceable))

	_, err = reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)
	c, err := reg.Snapshot().Effective(NTUnstructured, []string{MixVersionable})
	require.NoError(t, err)
	require.NotSame(t, a, c)

	_, err = snap.Effective(MixVersionable, nil)
	require.True(t, errors.Is(err, errs.ErrConstraintViolation))
	_, err = snap.Effective(NTUnstructured, []string{NTFolder})
	require.True(t, errors.Is(err, errs.ErrConstraintViolation))
}

func TestDefinitionLookup(t *testing.T) {
	reg := NewRegistry()
	eff, err := reg.Snapshot().Effective(NTUnstructured, nil)
	require.NoError(t, err)

	def, ok := eff.PropertyDefinition("anything", value.Long, false)
	require.True(t, ok)
	require.Equal(t, value.Undefined, def.RequiredType)
	require.False(t, def.Multiple)

	def, ok = eff.PropertyDefinition("anything", value.Long, true)
	require.True(t, ok)
	require.True(t, def.Multiple)

	_, ok = eff.PropertyDefinition(JcrPrimaryType, value.Name, true)
	require.False(t, ok)

	child, resolved, ok := eff.ChildNodeDefinition("c", "")
	require.True(t, ok)
	require.Equal(t, NTUnstructured, resolved)
	require.True(t, child.SameNameSiblings)

	folder, _ := reg.Snapshot().Effective(NTFolder, nil)
	_, _, ok = folder.ChildNodeDefinition("x", NTUnstructured)
	require.False(t, ok)
	_, resolved, ok = folder.ChildNodeDefinition("x", NTFile)
	require.True(t, ok)
	require.Equal(t, NTFile, resolved)
}

func TestPersistHookAbortsRegistration(t *testing.T) {
	reg := NewRegistry()
	reg.SetPersistFunc(func(Change) error { return errors.New("disk full") })
	_, err := reg.RegisterAll(baseTypes(), false)
	require.Error(t, err)
	require.False(t, reg.Snapshot().Has("test:base"))

	var stored []Definition
	reg.SetPersistFunc(func(c Change) error {
		if err := c.Check(); err != nil {
			return err
		}
		stored = c.Upserted
		c.Publish()
		return nil
	})
	_, err = reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, "test:base", stored[0].Name)
	require.Len(t, reg.Custom(), 2)
}

func TestUnregisterRechecksUsageBeforePublishing(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterAll(baseTypes(), false)
	require.NoError(t, err)

	// the type gets assigned between the first usage check and the store
	used := false
	reg.SetUsageFunc(func(name string) bool { return used && name == "test:derived" })
	var removed []string
	reg.SetPersistFunc(func(c Change) error {
		used = true
		if err := c.Check(); err != nil {
			return err
		}
		removed = c.Removed
		c.Publish()
		return nil
	})

	err = reg.Unregister("test:derived")
	require.True(t, errs.Is(err, errs.KindConstraintViolation))
	require.Nil(t, removed)
	require.True(t, reg.Snapshot().Has("test:derived"))

	used = false
	reg.SetUsageFunc(func(string) bool { return false })
	require.NoError(t, reg.Unregister("test:derived"))
	require.Equal(t, []string{"test:derived"}, removed)
	require.False(t, reg.Snapshot().Has("test:derived"))
}

const yamlTypes = `
nodeTypes:
  - name: app:page
    supertypes: [nt:base, mix:title]
    orderableChildNodes: true
    primaryItem: body
    properties:
      - name: body
        type: String
        mandatory: true
      - name: rank
        type: Long
        constraints: ["[0,100]"]
        default: ["50"]
        onParentVersion: IGNORE
    childNodes:
      - name: "*"
        requiredTypes: [nt:base]
        defaultType: app:page
        sameNameSiblings: true
`

func TestParseYAML(t *testing.T) {
	defs, err := Parse([]byte(yamlTypes))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	reg := NewRegistry()
	page, err := reg.Register(defs[0], false)
	require.NoError(t, err)
	require.True(t, page.HasOrderableChildNodes())
	require.True(t, page.IsNodeType(MixTitle))

	rank := propNames(page.PropertyDefinitions())["rank"]
	require.Equal(t, OPVIgnore, rank.OnParentVersion)
	require.Len(t, rank.Constraints(), 1)
	require.Equal(t, int64(50), mustLong(t, rank.DefaultValues[0]))

	_, err = Parse([]byte("nodeTypes:\n  - name: x\n    bogus: 1\n"))
	require.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(yamlTypes), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "app:page", defs[0].Name)
}

func TestWatchReloadsDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, reg, dir, logger.Nop()) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	// the watcher may not be attached yet, so keep touching the file at
	// intervals longer than the reload delay
	require.Eventually(t, func() bool {
		if reg.Snapshot().Has("app:page") {
			return true
		}
		_ = os.WriteFile(filepath.Join(dir, "page.yaml"), []byte(yamlTypes), 0o644)
		return false
	}, 5*time.Second, 2*reloadDelay)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), NewRegistry(), filepath.Join(t.TempDir(), "absent"), logger.Nop())
	require.Error(t, err)
}

func mustLong(t *testing.T, v value.Value) int64 {
	t.Helper()
	i, err := v.Long()
	require.NoError(t, err)
	return i
}
