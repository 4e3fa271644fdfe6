// ABOUTME: Built-in node types every repository starts with
// ABOUTME: Names of the system items maintained by the engine

package nodetype

import "github.com/nainya/contentstore/pkg/value"

// Built-in type names
const (
	NTBase               = "nt:base"
	NTUnstructured       = "nt:unstructured"
	NTHierarchyNode      = "nt:hierarchyNode"
	NTFolder             = "nt:folder"
	NTFile               = "nt:file"
	NTResource           = "nt:resource"
	RepRoot              = "rep:root"
	MixReferenceable     = "mix:referenceable"
	MixCreated           = "mix:created"
	MixLastModified      = "mix:lastModified"
	MixTitle             = "mix:title"
	MixMimeType          = "mix:mimeType"
	MixLockable          = "mix:lockable"
	MixSimpleVersionable = "mix:simpleVersionable"
	MixVersionable       = "mix:versionable"
)

// System item names
const (
	JcrPrimaryType    = "jcr:primaryType"
	JcrMixinTypes     = "jcr:mixinTypes"
	JcrUUID           = "jcr:uuid"
	JcrCreated        = "jcr:created"
	JcrCreatedBy      = "jcr:createdBy"
	JcrLastModified   = "jcr:lastModified"
	JcrLastModifiedBy = "jcr:lastModifiedBy"
	JcrTitle          = "jcr:title"
	JcrDescription    = "jcr:description"
	JcrMimeType       = "jcr:mimeType"
	JcrEncoding       = "jcr:encoding"
	JcrContent        = "jcr:content"
	JcrData           = "jcr:data"
	JcrLockOwner      = "jcr:lockOwner"
	JcrLockIsDeep     = "jcr:lockIsDeep"
	JcrIsCheckedOut   = "jcr:isCheckedOut"
	JcrVersionHistory = "jcr:versionHistory"
	JcrBaseVersion    = "jcr:baseVersion"
	JcrPredecessors   = "jcr:predecessors"
	JcrMergeFailed    = "jcr:mergeFailed"
)

func prop(name string, t value.Type, opv OnParentVersion) PropertyDefinition {
	return PropertyDefinition{
		ItemDefinition: ItemDefinition{Name: name, OnParentVersion: opv},
		RequiredType:   t,
		QueryOrderable: true,
	}
}

func protectedProp(name string, t value.Type, opv OnParentVersion, mandatory, autoCreated, multiple bool) PropertyDefinition {
	p := prop(name, t, opv)
	p.Protected = true
	p.Mandatory = mandatory
	p.AutoCreated = autoCreated
	p.Multiple = multiple
	return p
}

// Builtins returns the definitions of the built-in types, supertypes first
func Builtins() []Definition {
	checkedOut := protectedProp(JcrIsCheckedOut, value.Boolean, OPVIgnore, true, true, false)
	checkedOut.DefaultValues = []value.Value{value.NewBoolean(true)}

	residualSingle := prop(Residual, value.Undefined, OPVCopy)
	residualSingle.FullTextSearchable = true
	residualMulti := residualSingle
	residualMulti.Multiple = true

	data := prop(JcrData, value.Binary, OPVCopy)
	data.Mandatory = true

	return []Definition{
		{
			Name:     NTBase,
			Abstract: true,
			Properties: []PropertyDefinition{
				protectedProp(JcrPrimaryType, value.Name, OPVCompute, true, true, false),
				protectedProp(JcrMixinTypes, value.Name, OPVCompute, false, false, true),
			},
		},
		{
			Name:                NTUnstructured,
			OrderableChildNodes: true,
			Properties:          []PropertyDefinition{residualSingle, residualMulti},
			ChildNodes: []NodeDefinition{{
				ItemDefinition:       ItemDefinition{Name: Residual, OnParentVersion: OPVVersion},
				RequiredPrimaryTypes: []string{NTBase},
				DefaultPrimaryType:   NTUnstructured,
				SameNameSiblings:     true,
			}},
		},
		{
			Name:                RepRoot,
			Supertypes:          []string{NTUnstructured},
			OrderableChildNodes: true,
		},
		{
			Name:  MixCreated,
			Mixin: true,
			Properties: []PropertyDefinition{
				protectedProp(JcrCreated, value.Date, OPVCopy, false, true, false),
				protectedProp(JcrCreatedBy, value.String, OPVCopy, false, true, false),
			},
		},
		{
			Name:  MixLastModified,
			Mixin: true,
			Properties: []PropertyDefinition{
				{ItemDefinition: ItemDefinition{Name: JcrLastModified, AutoCreated: true, OnParentVersion: OPVCopy}, RequiredType: value.Date, QueryOrderable: true},
				{ItemDefinition: ItemDefinition{Name: JcrLastModifiedBy, AutoCreated: true, OnParentVersion: OPVCopy}, RequiredType: value.String, QueryOrderable: true},
			},
		},
		{
			Name:  MixTitle,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(JcrTitle, value.String, OPVCopy),
				prop(JcrDescription, value.String, OPVCopy),
			},
		},
		{
			Name:  MixMimeType,
			Mixin: true,
			Properties: []PropertyDefinition{
				prop(JcrMimeType, value.String, OPVCopy),
				prop(JcrEncoding, value.String, OPVCopy),
			},
		},
		{
			Name:  MixReferenceable,
			Mixin: true,
			Properties: []PropertyDefinition{
				protectedProp(JcrUUID, value.String, OPVInitialize, true, true, false),
			},
		},
		{
			Name:  MixLockable,
			Mixin: true,
			Properties: []PropertyDefinition{
				protectedProp(JcrLockOwner, value.String, OPVIgnore, false, false, false),
				protectedProp(JcrLockIsDeep, value.Boolean, OPVIgnore, false, false, false),
			},
		},
		{
			Name:       MixSimpleVersionable,
			Mixin:      true,
			Properties: []PropertyDefinition{checkedOut},
		},
		{
			Name:       MixVersionable,
			Mixin:      true,
			Supertypes: []string{MixSimpleVersionable, MixReferenceable},
			Properties: []PropertyDefinition{
				protectedProp(JcrVersionHistory, value.Reference, OPVIgnore, true, false, false),
				protectedProp(JcrBaseVersion, value.Reference, OPVIgnore, false, false, false),
				protectedProp(JcrPredecessors, value.Reference, OPVIgnore, false, false, true),
				protectedProp(JcrMergeFailed, value.Reference, OPVAbort, false, false, true),
			},
		},
		{
			Name:       NTHierarchyNode,
			Abstract:   true,
			Supertypes: []string{NTBase, MixCreated},
		},
		{
			Name:       NTFolder,
			Supertypes: []string{NTHierarchyNode},
			ChildNodes: []NodeDefinition{{
				ItemDefinition:       ItemDefinition{Name: Residual, OnParentVersion: OPVVersion},
				RequiredPrimaryTypes: []string{NTHierarchyNode},
			}},
		},
		{
			Name:            NTFile,
			Supertypes:      []string{NTHierarchyNode},
			PrimaryItemName: JcrContent,
			ChildNodes: []NodeDefinition{{
				ItemDefinition:       ItemDefinition{Name: JcrContent, Mandatory: true, OnParentVersion: OPVCopy},
				RequiredPrimaryTypes: []string{NTBase},
			}},
		},
		{
			Name:            NTResource,
			Supertypes:      []string{NTBase, MixMimeType, MixLastModified},
			PrimaryItemName: JcrData,
			Properties:      []PropertyDefinition{data},
		},
	}
}
