package devicemodel

import "sort"

// EntityKind identifies the DTDL element type of an entity.
type EntityKind string

// Entity kinds understood by the parser. Anything else is KindOther.
const (
	KindInterface      EntityKind = "Interface"
	KindProperty       EntityKind = "Property"
	KindTelemetry      EntityKind = "Telemetry"
	KindCommand        EntityKind = "Command"
	KindCommandPayload EntityKind = "CommandPayload"
	KindComponent      EntityKind = "Component"
	KindRelationship   EntityKind = "Relationship"
	KindObject         EntityKind = "Object"
	KindField          EntityKind = "Field"
	KindEnum           EntityKind = "Enum"
	KindEnumValue      EntityKind = "EnumValue"
	KindMap            EntityKind = "Map"
	KindArray          EntityKind = "Array"
	KindOther          EntityKind = "Other"
)

// Entity is one element of a parsed model graph.
// The concrete type is one of the *Info types in this file.
type Entity interface {
	Info() *EntityInfo
}

// EntityInfo holds the fields every entity carries.
type EntityInfo struct {
	ID          string     `json:"id"`
	Kind        EntityKind `json:"kind"`
	Name        string     `json:"name,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Description string     `json:"description,omitempty"`

	// DefinedIn is the ID of the interface whose document declares the entity.
	DefinedIn string `json:"defined_in,omitempty"`

	// ChildOf is the ID of the element that lists this entity: the
	// interface for contents, the object for fields, the command for
	// payloads.
	ChildOf string `json:"child_of,omitempty"`
}

// Info returns the common entity fields.
func (e *EntityInfo) Info() *EntityInfo { return e }

// InterfaceInfo is a DTDL Interface.
type InterfaceInfo struct {
	EntityInfo
	Contents []string `json:"contents,omitempty"`
	Extends  []string `json:"extends,omitempty"`
}

// PropertyInfo is a DTDL Property.
type PropertyInfo struct {
	EntityInfo
	Writable bool `json:"writable"`

	// Schema is a primitive schema name ("string", "double", ...) or the
	// ID of a complex schema entity in the same graph.
	Schema string `json:"schema"`
}

// TelemetryInfo is a DTDL Telemetry.
type TelemetryInfo struct {
	EntityInfo
	Schema string `json:"schema"`
}

// CommandInfo is a DTDL Command.
type CommandInfo struct {
	EntityInfo
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// CommandPayloadInfo is the request or response of a Command.
type CommandPayloadInfo struct {
	EntityInfo
	Schema string `json:"schema"`
}

// ComponentInfo is a DTDL Component. Schema is the ID of the interface
// that defines the component's members.
type ComponentInfo struct {
	EntityInfo
	Schema string `json:"schema"`
}

// RelationshipInfo is a DTDL Relationship.
type RelationshipInfo struct {
	EntityInfo
	Target   string `json:"target,omitempty"`
	Writable bool   `json:"writable"`
}

// ObjectInfo is an Object schema. Fields keep document order.
type ObjectInfo struct {
	EntityInfo
	Fields []string `json:"fields"`
}

// FieldInfo is one field of an Object schema.
type FieldInfo struct {
	EntityInfo
	Schema string `json:"schema"`
}

// EnumInfo is an Enum schema.
type EnumInfo struct {
	EntityInfo
	ValueSchema string   `json:"value_schema"`
	Values      []string `json:"values"`
}

// EnumValueInfo is one value of an Enum schema.
type EnumValueInfo struct {
	EntityInfo
	Value any `json:"value"`
}

// MapInfo is a Map schema.
type MapInfo struct {
	EntityInfo
	KeySchema   string `json:"key_schema"`
	ValueSchema string `json:"value_schema"`
}

// ArrayInfo is an Array schema.
type ArrayInfo struct {
	EntityInfo
	ElementSchema string `json:"element_schema"`
}

// OtherInfo is an element of a type this package does not model.
type OtherInfo struct {
	EntityInfo
	Types []string `json:"types,omitempty"`
}

// Graph is a parsed model: every entity reachable from the root interface,
// keyed by ID. A Graph is immutable after construction.
type Graph struct {
	root     string
	entities map[string]Entity
	ordered  []Entity
}

// newGraph builds a Graph and fixes its iteration order.
func newGraph(root string, entities map[string]Entity) *Graph {
	ordered := make([]Entity, 0, len(entities))
	for _, e := range entities {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Info().ID < ordered[j].Info().ID
	})
	return &Graph{root: root, entities: entities, ordered: ordered}
}

// RootID returns the DTMI the graph was resolved for.
func (g *Graph) RootID() string {
	if g == nil {
		return ""
	}
	return g.root
}

// Len returns the number of entities.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.ordered)
}

// Get returns the entity with the given ID.
func (g *Graph) Get(id string) (Entity, bool) {
	if g == nil {
		return nil, false
	}
	e, ok := g.entities[id]
	return e, ok
}

// Entities returns all entities in ascending ID order.
// The slice is a copy; the entities themselves are shared and must not be modified.
func (g *Graph) Entities() []Entity {
	if g == nil {
		return nil
	}
	out := make([]Entity, len(g.ordered))
	copy(out, g.ordered)
	return out
}

// OfKind returns all entities of one kind in ascending ID order.
func (g *Graph) OfKind(kind EntityKind) []Entity {
	if g == nil {
		return nil
	}
	var out []Entity
	for _, e := range g.ordered {
		if e.Info().Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// SchemaKind returns the kind of the schema an entity refers to.
// Primitive schemas and unknown references report ok=false.
func (g *Graph) SchemaKind(schema string) (EntityKind, bool) {
	e, ok := g.Get(schema)
	if !ok {
		return "", false
	}
	return e.Info().Kind, true
}
