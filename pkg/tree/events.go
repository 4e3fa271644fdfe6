package tree

import (
	"sort"

	"github.com/nainya/contentstore/pkg/observation"
)

// changes diffs the transaction against its base snapshot. Nodes are
// reported in the order the transaction first touched them, reorders last.
func (tx *Txn) changes() []observation.Event {
	var out []observation.Event
	old := tx.base
	for _, id := range tx.order {
		before := old.get(id)
		after := tx.get(id)
		switch {
		case before == nil && after == nil:
		case before == nil:
			path := tx.pathOr(id)
			out = append(out, tx.nodeEvent(tx, observation.NodeAdded, path, after, nil))
			for _, name := range after.propertyNames() {
				out = append(out, tx.propertyEvent(observation.PropertyAdded, path, name, after))
			}
		case after == nil:
			path, _ := pathOf(old, id)
			out = append(out, tx.nodeEvent(old, observation.NodeRemoved, path, before, nil))
		default:
			path := tx.pathOr(id)
			if before.parent != after.parent || before.name != after.name {
				oldPath, _ := pathOf(old, id)
				info := map[string]string{"srcAbsPath": oldPath, "destAbsPath": path}
				out = append(out,
					tx.nodeEvent(tx, observation.NodeMoved, path, after, info),
					tx.nodeEvent(old, observation.NodeRemoved, oldPath, before, nil),
					tx.nodeEvent(tx, observation.NodeAdded, path, after, nil),
				)
			}
			out = append(out, tx.propertyDiff(path, before, after)...)
		}
	}
	for _, r := range tx.reorders {
		rec := tx.get(r.id)
		if rec == nil {
			continue
		}
		info := map[string]string{"srcChildRelPath": r.src, "destChildRelPath": r.dest}
		out = append(out, tx.nodeEvent(tx, observation.NodeMoved, tx.pathOr(r.id), rec, info))
	}
	return out
}

func (tx *Txn) propertyDiff(path string, before, after *record) []observation.Event {
	names := make(map[string]struct{}, len(before.props)+len(after.props))
	for n := range before.props {
		names[n] = struct{}{}
	}
	for n := range after.props {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var out []observation.Event
	for _, n := range sorted {
		b, inBefore := before.props[n]
		a, inAfter := after.props[n]
		switch {
		case !inBefore:
			out = append(out, tx.propertyEvent(observation.PropertyAdded, path, n, after))
		case !inAfter:
			out = append(out, tx.propertyEvent(observation.PropertyRemoved, path, n, after))
		case !a.equal(b):
			out = append(out, tx.propertyEvent(observation.PropertyChanged, path, n, after))
		}
	}
	return out
}

// nodeEvent builds a node event; its node types are those of the parent
func (tx *Txn) nodeEvent(r reader, t observation.Type, path string, rec *record, info map[string]string) observation.Event {
	return observation.Event{
		Type:       t,
		Path:       path,
		Identifier: rec.id,
		Info:       info,
		NodeTypes:  tx.typeClosure(r.get(rec.parent)),
	}
}

func (tx *Txn) propertyEvent(t observation.Type, nodePath, name string, owner *record) observation.Event {
	path := nodePath + "/" + name
	if nodePath == "/" {
		path = "/" + name
	}
	return observation.Event{
		Type:       t,
		Path:       path,
		Identifier: owner.id,
		NodeTypes:  tx.typeClosure(owner),
	}
}

func (tx *Txn) typeClosure(rec *record) []string {
	if rec == nil {
		return nil
	}
	eff, err := tx.effective(rec)
	if err != nil {
		return []string{rec.primaryType}
	}
	return eff.TypeNames()
}
