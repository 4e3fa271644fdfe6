package graphsync

import (
	"context"
	"errors"
	"testing"

	"github.com/nainya/contentstore/pkg/observation"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	writes [][]Statement
	err    error
}

func (r *recordingRunner) Write(ctx context.Context, stmts []Statement) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	r.writes = append(r.writes, stmts)
	return r.err
}

func TestTranslateAddAndRemove(t *testing.T) {
	stmts := Translate([]observation.Event{
		{Type: observation.NodeAdded, Path: "/docs/a", Identifier: "id-a", Workspace: "default"},
		{Type: observation.PropertyAdded, Path: "/docs/a/title", Identifier: "id-a", Workspace: "default"},
		{Type: observation.NodeRemoved, Path: "/old", Identifier: "id-old", Workspace: "default"},
		{Type: observation.Persist, Workspace: "default"},
	})
	require.Len(t, stmts, 2)

	require.Equal(t, mergeNode, stmts[0].Cypher)
	require.Equal(t, "id-a", stmts[0].Params["id"])
	require.Equal(t, "a", stmts[0].Params["name"])
	require.Equal(t, "/docs", stmts[0].Params["parent"])

	require.Equal(t, deleteNode, stmts[1].Cypher)
	require.Equal(t, "/old/", stmts[1].Params["prefix"])
}

func TestTranslateMoveKeepsIdentity(t *testing.T) {
	stmts := Translate([]observation.Event{
		{
			Type:       observation.NodeMoved,
			Path:       "/b/x",
			Identifier: "id-x",
			Workspace:  "default",
			Info:       map[string]string{"srcAbsPath": "/a/x", "destAbsPath": "/b/x"},
		},
		{Type: observation.NodeRemoved, Path: "/a/x", Identifier: "id-x", Workspace: "default"},
		{Type: observation.NodeAdded, Path: "/b/x", Identifier: "id-x", Workspace: "default"},
		{
			Type:       observation.NodeMoved,
			Path:       "/b",
			Identifier: "id-b",
			Workspace:  "default",
			Info:       map[string]string{"srcChildRelPath": "x", "destChildRelPath": "y"},
		},
	})
	require.Len(t, stmts, 2)
	require.Equal(t, movePaths, stmts[0].Cypher)
	require.Equal(t, "/a/x/", stmts[0].Params["srcPrefix"])
	require.Equal(t, moveNode, stmts[1].Cypher)
	require.Equal(t, "/b", stmts[1].Params["parent"])
	require.Equal(t, "x", stmts[1].Params["name"])
}

func TestMirrorWritesOneTransactionPerBundle(t *testing.T) {
	runner := &recordingRunner{}
	m := NewMirror(runner, nil, 0)
	require.Equal(t, EventTypes, m.Filter().Types)

	require.NoError(t, m.OnEvents([]observation.Event{{Type: observation.PropertyChanged, Path: "/a/p"}}))
	require.Empty(t, runner.writes)

	require.NoError(t, m.OnEvents([]observation.Event{
		{Type: observation.NodeAdded, Path: "/a", Identifier: "1"},
		{Type: observation.NodeAdded, Path: "/a/b", Identifier: "2"},
	}))
	require.Len(t, runner.writes, 1)
	require.Len(t, runner.writes[0], 2)

	runner.err = errors.New("unavailable")
	err := m.OnEvents([]observation.Event{{Type: observation.NodeRemoved, Path: "/a", Identifier: "1"}})
	require.ErrorContains(t, err, "unavailable")
}
