package constraint

import (
	"testing"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/value"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *nodetype.Registry {
	t.Helper()
	reg := nodetype.NewRegistry()
	defs, err := nodetype.Parse([]byte(`
nodeTypes:
  - name: test:base
    properties:
      - name: title
        type: String
        mandatory: true
      - name: rating
        type: Long
        constraints: ["[1,5]"]
      - name: code
        type: String
        constraints: ["[A-Z]{3}"]
      - name: sys
        type: String
        protected: true
      - name: tags
        type: String
        multiple: true
    childNodes:
      - name: body
        requiredTypes: [nt:unstructured]
        defaultType: nt:unstructured
        mandatory: true
      - name: item
        requiredTypes: [nt:base]
        defaultType: nt:unstructured
        sameNameSiblings: true
`))
	require.NoError(t, err)
	_, err = reg.RegisterAll(defs, false)
	require.NoError(t, err)
	return reg
}

func effective(t *testing.T, reg *nodetype.Registry, primary string) *nodetype.EffectiveType {
	t.Helper()
	eff, err := reg.Snapshot().Effective(primary, nil)
	require.NoError(t, err)
	return eff
}

func TestSetPropertyConvertsToRequiredType(t *testing.T) {
	reg := testRegistry(t)
	eff := effective(t, reg, "test:base")
	e := New()

	res, err := e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "rating", Values: []value.Value{value.NewString("4")}}, eff)
	require.NoError(t, err)
	require.Equal(t, value.Long, res.Type)
	require.Equal(t, value.Long, res.Values[0].Type())

	_, err = e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "rating", Values: []value.Value{value.NewString("four")}}, eff)
	require.True(t, errs.Is(err, errs.KindValueFormat), "got %v", err)
}

func TestSetPropertyRejectsProtected(t *testing.T) {
	reg := testRegistry(t)
	eff := effective(t, reg, "test:base")
	e := New()

	m := Mutation{Kind: SetProperty, Path: "/n", Name: "sys", Values: []value.Value{value.NewString("x")}}
	_, err := e.Validate(m, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	m.System = true
	_, err = e.Validate(m, eff)
	require.NoError(t, err)
}

func TestSetPropertyMultiplicity(t *testing.T) {
	reg := testRegistry(t)
	eff := effective(t, reg, "test:base")
	e := New()

	_, err := e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "title", Multiple: true,
		Values: []value.Value{value.NewString("a"), value.NewString("b")}}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	res, err := e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "tags", Multiple: true,
		Values: []value.Value{value.NewString("a"), value.NewString("b")}}, eff)
	require.NoError(t, err)
	require.Len(t, res.Values, 2)

	_, err = e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "title"}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)
}

func TestSetPropertyUndeclaredName(t *testing.T) {
	reg := testRegistry(t)
	e := New()

	_, err := e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "other", Values: []value.Value{value.NewString("x")}},
		effective(t, reg, "test:base"))
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	_, err = e.Validate(Mutation{Kind: SetProperty, Path: "/n", Name: "other", Values: []value.Value{value.NewString("x")}},
		effective(t, reg, nodetype.NTUnstructured))
	require.NoError(t, err)
}

func TestAddChild(t *testing.T) {
	reg := testRegistry(t)
	eff := effective(t, reg, "test:base")
	e := New()

	res, err := e.Validate(Mutation{Kind: AddChild, Path: "/n", Name: "body"}, eff)
	require.NoError(t, err)
	require.Equal(t, nodetype.NTUnstructured, res.PrimaryType)

	_, err = e.Validate(Mutation{Kind: AddChild, Path: "/n", Name: "body", ChildPrimaryType: nodetype.NTFolder}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	_, err = e.Validate(Mutation{Kind: AddChild, Path: "/n", Name: "unknown"}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	_, err = e.Validate(Mutation{Kind: AddChild, Path: "/n", Name: "body", Siblings: 1}, eff)
	require.True(t, errs.Is(err, errs.KindItemExists), "got %v", err)

	_, err = e.Validate(Mutation{Kind: AddChild, Path: "/n", Name: "item", Siblings: 3}, eff)
	require.NoError(t, err)

	_, err = e.Validate(Mutation{Kind: AddChild, Path: "/n", Name: "bad/name"}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)
}

func TestCommitNodeMandatoryAndConstraints(t *testing.T) {
	reg := testRegistry(t)
	eff := effective(t, reg, "test:base")
	e := New()

	base := []PropertyState{
		{Name: nodetype.JcrPrimaryType, Type: value.Name, Values: []value.Value{value.NewName("test:base")}},
	}
	children := []ChildState{{Name: "body", PrimaryType: nodetype.NTUnstructured}}

	_, err := e.Validate(Mutation{Kind: CommitNode, Path: "/n", Node: NodeState{Properties: base, Children: children}}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)
	require.Contains(t, err.Error(), "title")

	withTitle := append(append([]PropertyState(nil), base...),
		PropertyState{Name: "title", Type: value.String, Values: []value.Value{value.NewString("x")}})
	_, err = e.Validate(Mutation{Kind: CommitNode, Path: "/n", Node: NodeState{Properties: withTitle, Children: children}}, eff)
	require.NoError(t, err)

	_, err = e.Validate(Mutation{Kind: CommitNode, Path: "/n", Node: NodeState{Properties: withTitle}}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)
	require.Contains(t, err.Error(), "body")

	outOfRange := append(append([]PropertyState(nil), withTitle...),
		PropertyState{Name: "rating", Type: value.Long, Values: []value.Value{value.NewLong(9)}})
	_, err = e.Validate(Mutation{Kind: CommitNode, Path: "/n", Node: NodeState{Properties: outOfRange, Children: children}}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	badCode := append(append([]PropertyState(nil), withTitle...),
		PropertyState{Name: "code", Type: value.String, Values: []value.Value{value.NewString("abc")}})
	_, err = e.Validate(Mutation{Kind: CommitNode, Path: "/n", Node: NodeState{Properties: badCode, Children: children}}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	twoBodies := append(append([]ChildState(nil), children...), ChildState{Name: "body", PrimaryType: nodetype.NTUnstructured})
	_, err = e.Validate(Mutation{Kind: CommitNode, Path: "/n", Node: NodeState{Properties: withTitle, Children: twoBodies}}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)
}

func TestRemoveProtected(t *testing.T) {
	reg := testRegistry(t)
	eff := effective(t, reg, "test:base")
	e := New()

	_, err := e.Validate(Mutation{Kind: RemoveProperty, Path: "/n", Name: nodetype.JcrPrimaryType, Type: value.Name}, eff)
	require.ErrorIs(t, err, errs.ErrConstraintViolation)

	_, err = e.Validate(Mutation{Kind: RemoveProperty, Path: "/n", Name: "title", Type: value.String}, eff)
	require.NoError(t, err)
}

func TestOnParentVersionActions(t *testing.T) {
	reg := testRegistry(t)
	eff, err := reg.Snapshot().Effective(nodetype.NTUnstructured, []string{nodetype.MixVersionable})
	require.NoError(t, err)

	require.Equal(t, nodetype.OPVCopy, PropertyAction(eff, PropertyState{Name: "anything", Type: value.String}))
	require.Equal(t, nodetype.OPVIgnore, PropertyAction(eff, PropertyState{Name: nodetype.JcrIsCheckedOut, Type: value.Boolean}))
	require.Equal(t, nodetype.OPVAbort, PropertyAction(eff, PropertyState{Name: nodetype.JcrMergeFailed, Type: value.Reference, Multiple: true}))
	require.Equal(t, nodetype.OPVVersion, ChildAction(eff, ChildState{Name: "c", PrimaryType: nodetype.NTUnstructured}))
}
