// ABOUTME: Batch import and export of node subtrees as plain documents
// ABOUTME: Incoming identifiers are resolved with one of four collision policies

package repository

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// CollisionPolicy decides what happens when an imported node carries an
// identifier already used in the workspace
type CollisionPolicy int

const (
	// CreateNew gives every imported node a fresh identifier
	CreateNew CollisionPolicy = iota
	// RemoveExisting removes the existing node and its subtree, then imports
	// below the requested parent
	RemoveExisting
	// ReplaceExisting puts the imported node where the existing one was
	ReplaceExisting
	// FailOnCollision rejects the import with IdentityCollision
	FailOnCollision
)

// ParseCollisionPolicy maps a policy name to its value
func ParseCollisionPolicy(name string) (CollisionPolicy, error) {
	switch strings.ToLower(name) {
	case "", "create-new", "createnew":
		return CreateNew, nil
	case "remove-existing", "removeexisting":
		return RemoveExisting, nil
	case "replace-existing", "replaceexisting":
		return ReplaceExisting, nil
	case "throw", "fail":
		return FailOnCollision, nil
	}
	return CreateNew, fmt.Errorf("unknown collision policy %q", name)
}

// DocNode is one node of an import or export document
type DocNode struct {
	Name        string        `yaml:"name" json:"name"`
	Identifier  string        `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	PrimaryType string        `yaml:"primaryType,omitempty" json:"primaryType,omitempty"`
	Mixins      []string      `yaml:"mixins,omitempty" json:"mixins,omitempty"`
	Properties  []DocProperty `yaml:"properties,omitempty" json:"properties,omitempty"`
	Children    []DocNode     `yaml:"children,omitempty" json:"children,omitempty"`
}

// DocProperty holds property values in their string form. BINARY values
// are base64 encoded.
type DocProperty struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type,omitempty" json:"type,omitempty"`
	Multiple bool     `yaml:"multiple,omitempty" json:"multiple,omitempty"`
	Values   []string `yaml:"values" json:"values"`
}

// ParseDocument decodes a YAML or JSON import document
func ParseDocument(data []byte) (*DocNode, error) {
	var doc DocNode
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("parse document: root node has no name")
	}
	return &doc, nil
}

// Import adds doc below the node at parentPath as a transient change and
// returns the identifier of the imported root. A failed import leaves the
// pending changes as they were.
func (s *Session) Import(parentPath string, doc *DocNode, policy CollisionPolicy) (string, error) {
	var id string
	err := s.write(func(tx *tree.Txn) error {
		parent, err := resolve(tx, parentPath)
		if err != nil {
			return err
		}
		return tx.Atomic(func() error {
			id, err = importNode(tx, parent, doc, policy)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	s.repo.log.Debug("subtree imported").
		Str("session", s.id).
		Str("parent", parentPath).
		Str("root", id).
		Send()
	return id, nil
}

func importNode(tx *tree.Txn, parentID string, n *DocNode, policy CollisionPolicy) (string, error) {
	const op = "import"
	id := n.Identifier
	if policy == CreateNew {
		id = ""
	}
	var before string
	if id != "" {
		if existing, err := tx.Get(id); err == nil {
			switch policy {
			case FailOnCollision:
				return "", errs.New(errs.KindIdentityCollision, op, existing.Path, "identifier %s already exists", id)
			case RemoveExisting:
				target, err := tx.Get(parentID)
				if err != nil {
					return "", err
				}
				if isSelfOrAncestor(existing.Path, target.Path) {
					return "", errs.ConstraintViolation(op, existing.Path, "removing the existing node would remove the import target")
				}
			case ReplaceExisting:
				if existing.IsRoot() {
					return "", errs.ConstraintViolation(op, "/", "the root node cannot be replaced")
				}
				parentID = existing.ParentID
				before = nextSibling(tx, existing)
			}
			if err := tx.Remove(id); err != nil {
				return "", err
			}
		}
	}

	newID, err := tx.AddNodeSpec(parentID, tree.NodeSpec{
		Name:        n.Name,
		PrimaryType: n.PrimaryType,
		ID:          id,
		Mixins:      n.Mixins,
		Bare:        true,
	})
	if err != nil {
		return "", err
	}
	if before != "" {
		if err := orderImported(tx, parentID, newID, before); err != nil {
			return "", err
		}
	}

	eff, err := tx.Effective(newID)
	if err != nil {
		return "", err
	}
	for _, p := range n.Properties {
		if p.Name == nodetype.JcrPrimaryType || p.Name == nodetype.JcrMixinTypes {
			continue
		}
		t, vals, err := decodeProperty(p)
		if err != nil {
			return "", errs.New(errs.KindValueFormat, op, p.Name, "%v", err)
		}
		if def, ok := eff.PropertyDefinition(p.Name, t, p.Multiple); ok && def.Protected {
			continue
		}
		if err := tx.SetPropertyAs(newID, p.Name, t, p.Multiple, vals...); err != nil {
			return "", err
		}
	}
	for i := range n.Children {
		if _, err := importNode(tx, newID, &n.Children[i], policy); err != nil {
			return "", err
		}
	}
	return newID, nil
}

func isSelfOrAncestor(path, of string) bool {
	return path == "/" || path == of || strings.HasPrefix(of, path+"/")
}

// nextSibling returns the identifier of the child following n, or "" when
// n is last or its parent does not order its children
func nextSibling(tx *tree.Txn, n *tree.Node) string {
	eff, err := tx.Effective(n.ParentID)
	if err != nil || !eff.HasOrderableChildNodes() {
		return ""
	}
	parent, err := tx.Get(n.ParentID)
	if err != nil {
		return ""
	}
	for i, c := range parent.Children {
		if c.ID == n.ID && i+1 < len(parent.Children) {
			return parent.Children[i+1].ID
		}
	}
	return ""
}

func orderImported(tx *tree.Txn, parentID, id, beforeID string) error {
	parent, err := tx.Get(parentID)
	if err != nil {
		return err
	}
	return tx.OrderBefore(parentID, relName(parent, id), relName(parent, beforeID))
}

// relName names child id of parent, with a same-name sibling index when
// needed
func relName(parent *tree.Node, id string) string {
	var name string
	index, count := 0, 0
	for _, c := range parent.Children {
		if c.ID == id {
			name = c.Name
		}
	}
	for _, c := range parent.Children {
		if c.Name != name {
			continue
		}
		count++
		if c.ID == id {
			index = count
		}
	}
	if count > 1 {
		return fmt.Sprintf("%s[%d]", name, index)
	}
	return name
}

func decodeProperty(p DocProperty) (value.Type, []value.Value, error) {
	t := value.String
	if p.Type != "" {
		parsed, err := value.ParseType(p.Type)
		if err != nil {
			return t, nil, err
		}
		t = parsed
	}
	if !p.Multiple && len(p.Values) != 1 {
		return t, nil, fmt.Errorf("single-valued property has %d values", len(p.Values))
	}
	vals := make([]value.Value, 0, len(p.Values))
	for _, raw := range p.Values {
		if t == value.Binary {
			data, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return t, nil, err
			}
			vals = append(vals, value.NewBinary(data))
			continue
		}
		v, err := value.Parse(t, raw)
		if err != nil {
			return t, nil, err
		}
		vals = append(vals, v)
	}
	return t, vals, nil
}

// Export returns the subtree at path as the session sees it, including
// pending changes
func (s *Session) Export(path string) (*DocNode, error) {
	var doc *DocNode
	err := s.read(func(r nodeReader) error {
		n, err := r.GetByPath(path)
		if err != nil {
			return err
		}
		doc, err = exportNode(r, n)
		return err
	})
	return doc, err
}

func exportNode(r nodeReader, n *tree.Node) (*DocNode, error) {
	doc := &DocNode{
		Name:        n.Name,
		Identifier:  n.ID,
		PrimaryType: n.PrimaryType,
		Mixins:      append([]string(nil), n.Mixins...),
	}
	for _, p := range n.Properties() {
		if p.Name == nodetype.JcrPrimaryType || p.Name == nodetype.JcrMixinTypes {
			continue
		}
		dp := DocProperty{Name: p.Name, Type: p.Type.String(), Multiple: p.Multiple}
		for _, v := range p.Values {
			if p.Type == value.Binary {
				dp.Values = append(dp.Values, base64.StdEncoding.EncodeToString(v.Bytes()))
				continue
			}
			dp.Values = append(dp.Values, v.String())
		}
		doc.Properties = append(doc.Properties, dp)
	}
	children, err := r.Children(n.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		cd, err := exportNode(r, c)
		if err != nil {
			return nil, err
		}
		doc.Children = append(doc.Children, *cd)
	}
	return doc, nil
}
