// ABOUTME: YAML node type definition files
// ABOUTME: Parses documents of the form nodeTypes: [...] into Definitions

package nodetype

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nainya/contentstore/pkg/value"
	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	NodeTypes []yamlType `yaml:"nodeTypes"`
}

type yamlType struct {
	Name        string          `yaml:"name"`
	Supertypes  []string        `yaml:"supertypes"`
	Abstract    bool            `yaml:"abstract"`
	Mixin       bool            `yaml:"mixin"`
	NoQuery     bool            `yaml:"noQuery"`
	Orderable   bool            `yaml:"orderableChildNodes"`
	PrimaryItem string          `yaml:"primaryItem"`
	Properties  []yamlProperty  `yaml:"properties"`
	ChildNodes  []yamlChildNode `yaml:"childNodes"`
}

type yamlProperty struct {
	Name            string   `yaml:"name"`
	Type            string   `yaml:"type"`
	Mandatory       bool     `yaml:"mandatory"`
	AutoCreated     bool     `yaml:"autoCreated"`
	Protected       bool     `yaml:"protected"`
	Multiple        bool     `yaml:"multiple"`
	OnParentVersion string   `yaml:"onParentVersion"`
	Constraints     []string `yaml:"constraints"`
	Default         []string `yaml:"default"`
	FullText        *bool    `yaml:"fullTextSearchable"`
	Orderable       *bool    `yaml:"queryOrderable"`
}

type yamlChildNode struct {
	Name             string   `yaml:"name"`
	RequiredTypes    []string `yaml:"requiredTypes"`
	DefaultType      string   `yaml:"defaultType"`
	Mandatory        bool     `yaml:"mandatory"`
	AutoCreated      bool     `yaml:"autoCreated"`
	Protected        bool     `yaml:"protected"`
	SameNameSiblings bool     `yaml:"sameNameSiblings"`
	OnParentVersion  string   `yaml:"onParentVersion"`
}

// Parse decodes a YAML definition document. Unknown keys are rejected.
func Parse(data []byte) ([]Definition, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse node types: %w", err)
	}

	defs := make([]Definition, 0, len(doc.NodeTypes))
	for _, yt := range doc.NodeTypes {
		d := Definition{
			Name:                yt.Name,
			Supertypes:          yt.Supertypes,
			Abstract:            yt.Abstract,
			Mixin:               yt.Mixin,
			NoQuery:             yt.NoQuery,
			OrderableChildNodes: yt.Orderable,
			PrimaryItemName:     yt.PrimaryItem,
		}
		for _, yp := range yt.Properties {
			p, err := yp.definition()
			if err != nil {
				return nil, fmt.Errorf("node type %s: %w", yt.Name, err)
			}
			d.Properties = append(d.Properties, p)
		}
		for _, yc := range yt.ChildNodes {
			opv, err := ParseOnParentVersion(yc.OnParentVersion)
			if err != nil {
				return nil, fmt.Errorf("node type %s: child %s: %w", yt.Name, yc.Name, err)
			}
			d.ChildNodes = append(d.ChildNodes, NodeDefinition{
				ItemDefinition: ItemDefinition{
					Name:            yc.Name,
					Mandatory:       yc.Mandatory,
					AutoCreated:     yc.AutoCreated,
					Protected:       yc.Protected,
					OnParentVersion: opv,
				},
				RequiredPrimaryTypes: yc.RequiredTypes,
				DefaultPrimaryType:   yc.DefaultType,
				SameNameSiblings:     yc.SameNameSiblings,
			})
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (yp yamlProperty) definition() (PropertyDefinition, error) {
	t := value.Undefined
	if yp.Type != "" {
		parsed, err := value.ParseType(yp.Type)
		if err != nil {
			return PropertyDefinition{}, fmt.Errorf("property %s: %w", yp.Name, err)
		}
		t = parsed
	}
	opv, err := ParseOnParentVersion(yp.OnParentVersion)
	if err != nil {
		return PropertyDefinition{}, fmt.Errorf("property %s: %w", yp.Name, err)
	}
	p := PropertyDefinition{
		ItemDefinition: ItemDefinition{
			Name:            yp.Name,
			Mandatory:       yp.Mandatory,
			AutoCreated:     yp.AutoCreated,
			Protected:       yp.Protected,
			OnParentVersion: opv,
		},
		RequiredType:       t,
		ValueConstraints:   yp.Constraints,
		Multiple:           yp.Multiple,
		FullTextSearchable: yp.FullText == nil || *yp.FullText,
		QueryOrderable:     yp.Orderable == nil || *yp.Orderable,
	}
	for _, s := range yp.Default {
		v, err := value.Parse(t, s)
		if err != nil {
			return PropertyDefinition{}, fmt.Errorf("property %s default: %w", yp.Name, err)
		}
		p.DefaultValues = append(p.DefaultValues, v)
	}
	return p, nil
}

// LoadFile reads definitions from one YAML file
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir reads every .yaml and .yml file of dir in name order
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var all []Definition
	for _, f := range files {
		defs, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, defs...)
	}
	return all, nil
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
