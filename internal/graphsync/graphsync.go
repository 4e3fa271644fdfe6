// Package graphsync mirrors the node hierarchy of a repository into Neo4j
package graphsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/value"
)

// Statement is one parameterised Cypher statement
type Statement struct {
	Cypher string
	Params map[string]any
}

// Runner executes the statements of one event bundle in a single write
// transaction
type Runner interface {
	Write(ctx context.Context, stmts []Statement) error
}

// EventTypes are the event types the mirror consumes
const EventTypes = observation.NodeAdded | observation.NodeRemoved | observation.NodeMoved

const (
	mergeNode = `
		MERGE (n:ContentNode {workspace: $workspace, id: $id})
		SET n.path = $path, n.name = $name
		WITH n
		OPTIONAL MATCH (n)-[old:CHILD_OF]->()
		DELETE old
		WITH n
		MATCH (p:ContentNode {workspace: $workspace, path: $parent})
		MERGE (n)-[:CHILD_OF]->(p)
	`
	deleteNode = `
		MATCH (n:ContentNode {workspace: $workspace})
		WHERE n.id = $id OR n.path STARTS WITH $prefix
		DETACH DELETE n
	`
	moveNode = `
		MATCH (n:ContentNode {workspace: $workspace, id: $id})
		SET n.path = $dest, n.name = $name
		WITH n
		OPTIONAL MATCH (n)-[old:CHILD_OF]->()
		DELETE old
		WITH n
		MATCH (p:ContentNode {workspace: $workspace, path: $parent})
		MERGE (n)-[:CHILD_OF]->(p)
	`
	movePaths = `
		MATCH (d:ContentNode {workspace: $workspace})
		WHERE d.path STARTS WITH $srcPrefix
		SET d.path = $dest + substring(d.path, size($src))
	`
)

// Mirror is an observation listener that keeps (:ContentNode {id, path})
// nodes and their CHILD_OF relationships in step with the repository
type Mirror struct {
	runner  Runner
	log     *logger.Logger
	timeout time.Duration
}

// NewMirror returns a mirror writing through runner. A zero timeout means
// 30 seconds per bundle.
func NewMirror(runner Runner, log *logger.Logger, timeout time.Duration) *Mirror {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Mirror{runner: runner, log: log.Component("graphsync"), timeout: timeout}
}

// Filter returns the observation filter the mirror should be registered with
func (m *Mirror) Filter() observation.Filter {
	return observation.Filter{Types: EventTypes}
}

// OnEvents implements observation.Listener
func (m *Mirror) OnEvents(events []observation.Event) error {
	stmts := Translate(events)
	if len(stmts) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	if err := m.runner.Write(ctx, stmts); err != nil {
		return fmt.Errorf("mirror %d statements: %w", len(stmts), err)
	}
	m.log.Debug("bundle mirrored").
		Int("statements", len(stmts)).
		Dur("duration", time.Since(start)).
		Send()
	return nil
}

// Translate turns one event bundle into Cypher statements. A move shows up
// as NODE_MOVED plus a removal and an addition of the same identifier; only
// the move is applied so the subtree keeps its relationships.
func Translate(events []observation.Event) []Statement {
	moved := make(map[string]bool)
	for _, e := range events {
		if e.Type == observation.NodeMoved && e.Info["srcAbsPath"] != "" {
			moved[e.Identifier] = true
		}
	}

	var out []Statement
	for _, e := range events {
		switch e.Type {
		case observation.NodeAdded:
			if moved[e.Identifier] {
				continue
			}
			out = append(out, Statement{Cypher: mergeNode, Params: map[string]any{
				"workspace": e.Workspace,
				"id":        e.Identifier,
				"path":      e.Path,
				"name":      baseName(e.Path),
				"parent":    value.ParentPath(e.Path),
			}})
		case observation.NodeRemoved:
			if moved[e.Identifier] {
				continue
			}
			out = append(out, Statement{Cypher: deleteNode, Params: map[string]any{
				"workspace": e.Workspace,
				"id":        e.Identifier,
				"prefix":    e.Path + "/",
			}})
		case observation.NodeMoved:
			src, dest := e.Info["srcAbsPath"], e.Info["destAbsPath"]
			if src == "" {
				// reorders leave paths unchanged
				continue
			}
			out = append(out,
				Statement{Cypher: movePaths, Params: map[string]any{
					"workspace": e.Workspace,
					"src":       src,
					"srcPrefix": src + "/",
					"dest":      dest,
				}},
				Statement{Cypher: moveNode, Params: map[string]any{
					"workspace": e.Workspace,
					"id":        e.Identifier,
					"dest":      dest,
					"name":      baseName(dest),
					"parent":    value.ParentPath(dest),
				}},
			)
		}
	}
	return out
}

// baseName returns the last segment of an absolute path
func baseName(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}
