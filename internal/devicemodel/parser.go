package devicemodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Parse builds the graph for rootID from one or more DTDL documents.
// Each document is either a single Interface object or an array of them
// (the "expanded" repository form). Every interface referenced by a
// component or extends clause must be present in docs.
func Parse(rootID string, docs ...[]byte) (*Graph, error) {
	p := newParser()
	for _, doc := range docs {
		if err := p.addDocument(rootID, doc); err != nil {
			return nil, err
		}
	}
	if missing := p.missing(); len(missing) > 0 {
		return nil, &ParseError{ModelID: rootID, Err: fmt.Errorf("unresolved references: %s", strings.Join(missing, ", "))}
	}
	return p.graph(rootID)
}

// parser accumulates entities from successive documents.
type parser struct {
	entities   map[string]Entity
	interfaces map[string]bool
	refs       map[string]bool
	doc        string // model being parsed, for error context
}

func newParser() *parser {
	return &parser{
		entities:   make(map[string]Entity),
		interfaces: make(map[string]bool),
		refs:       make(map[string]bool),
	}
}

// addDocument decodes one document and parses every interface in it.
func (p *parser) addDocument(modelID string, data []byte) error {
	p.doc = modelID

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return &ParseError{ModelID: modelID, Err: fmt.Errorf("decoding json: %w", err)}
	}

	switch v := raw.(type) {
	case map[string]any:
		_, err := p.parseInterface(v)
		return err
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return p.errorf("", "array element is not an object")
			}
			if _, err := p.parseInterface(obj); err != nil {
				return err
			}
		}
		return nil
	default:
		return p.errorf("", "document must be an object or an array")
	}
}

// missing returns referenced interfaces that no document has defined yet,
// sorted for deterministic fetch order.
func (p *parser) missing() []string {
	var out []string
	for id := range p.refs {
		if !p.interfaces[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// graph finalises the parsed entities into a Graph rooted at rootID.
func (p *parser) graph(rootID string) (*Graph, error) {
	if !p.interfaces[rootID] {
		return nil, &ParseError{ModelID: rootID, Err: errors.New("documents do not define the root interface")}
	}
	return newGraph(rootID, p.entities), nil
}

func (p *parser) errorf(element, format string, args ...any) error {
	return &ParseError{ModelID: p.doc, Element: element, Err: fmt.Errorf(format, args...)}
}

func (p *parser) add(e Entity) error {
	id := e.Info().ID
	if _, exists := p.entities[id]; exists {
		return p.errorf(id, "duplicate @id")
	}
	p.entities[id] = e
	return nil
}

// parseInterface parses an Interface element and everything it contains.
// An interface already seen (for example shared by two documents) is skipped.
func (p *parser) parseInterface(obj map[string]any) (string, error) {
	id := stringField(obj, "@id")
	if id == "" {
		return "", p.errorf("", "interface without @id")
	}
	if !IsValidDTMI(id) {
		return "", p.errorf(id, "invalid interface @id")
	}
	if !hasType(typeList(obj["@type"]), "Interface") {
		return "", p.errorf(id, "top-level element is not an Interface")
	}
	if p.interfaces[id] {
		return id, nil
	}
	p.interfaces[id] = true

	info := &InterfaceInfo{EntityInfo: EntityInfo{
		ID:          id,
		Kind:        KindInterface,
		DisplayName: localized(obj["displayName"]),
		Description: localized(obj["description"]),
		DefinedIn:   id,
	}}

	for _, ext := range asList(obj["extends"]) {
		switch v := ext.(type) {
		case string:
			info.Extends = append(info.Extends, v)
			p.refs[v] = true
		case map[string]any:
			extID, err := p.parseInterface(v)
			if err != nil {
				return "", err
			}
			info.Extends = append(info.Extends, extID)
		default:
			return "", p.errorf(id, "invalid extends value")
		}
	}

	for _, s := range asList(obj["schemas"]) {
		schemaObj, ok := s.(map[string]any)
		if !ok {
			return "", p.errorf(id, "schemas entry is not an object")
		}
		if stringField(schemaObj, "@id") == "" {
			return "", p.errorf(id, "interface schema without @id")
		}
		if _, err := p.parseSchema(schemaObj, "", id, id); err != nil {
			return "", err
		}
	}

	for _, c := range asList(obj["contents"]) {
		contentObj, ok := c.(map[string]any)
		if !ok {
			return "", p.errorf(id, "contents entry is not an object")
		}
		contentID, err := p.parseContent(contentObj, id)
		if err != nil {
			return "", err
		}
		info.Contents = append(info.Contents, contentID)
	}

	if err := p.add(info); err != nil {
		return "", err
	}
	return id, nil
}

// parseContent parses one element of an interface's contents.
func (p *parser) parseContent(obj map[string]any, ifaceID string) (string, error) {
	types := typeList(obj["@type"])
	name := stringField(obj, "name")
	if name == "" {
		return "", p.errorf(ifaceID, "content element without name")
	}
	id := stringField(obj, "@id")
	if id == "" {
		id = childID(ifaceID, "contents", name)
	}
	base := EntityInfo{
		ID:          id,
		Kind:        contentKind(types),
		Name:        name,
		DisplayName: localized(obj["displayName"]),
		Description: localized(obj["description"]),
		DefinedIn:   ifaceID,
		ChildOf:     ifaceID,
	}

	var entity Entity
	switch base.Kind {
	case KindProperty:
		schema, err := p.schemaRef(obj["schema"], id, ifaceID)
		if err != nil {
			return "", err
		}
		writable, _ := obj["writable"].(bool)
		entity = &PropertyInfo{EntityInfo: base, Writable: writable, Schema: schema}

	case KindTelemetry:
		schema, err := p.schemaRef(obj["schema"], id, ifaceID)
		if err != nil {
			return "", err
		}
		entity = &TelemetryInfo{EntityInfo: base, Schema: schema}

	case KindCommand:
		cmd := &CommandInfo{EntityInfo: base}
		var err error
		if cmd.Request, err = p.parsePayload(obj["request"], id, "request", ifaceID); err != nil {
			return "", err
		}
		if cmd.Response, err = p.parsePayload(obj["response"], id, "response", ifaceID); err != nil {
			return "", err
		}
		entity = cmd

	case KindComponent:
		var schema string
		switch v := obj["schema"].(type) {
		case string:
			schema = v
			p.refs[v] = true
		case map[string]any:
			inline, err := p.parseInterface(v)
			if err != nil {
				return "", err
			}
			schema = inline
		default:
			return "", p.errorf(id, "component schema must be an interface")
		}
		entity = &ComponentInfo{EntityInfo: base, Schema: schema}

	case KindRelationship:
		writable, _ := obj["writable"].(bool)
		entity = &RelationshipInfo{EntityInfo: base, Target: stringField(obj, "target"), Writable: writable}

	default:
		entity = &OtherInfo{EntityInfo: base, Types: types}
	}

	if err := p.add(entity); err != nil {
		return "", err
	}
	return id, nil
}

// parsePayload parses a command request or response. Absent payloads yield "".
func (p *parser) parsePayload(v any, cmdID, which, ifaceID string) (string, error) {
	if v == nil {
		return "", nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", p.errorf(cmdID, "%s is not an object", which)
	}
	name := stringField(obj, "name")
	id := stringField(obj, "@id")
	if id == "" {
		id = childID(cmdID, which, "")
	}
	schema, err := p.schemaRef(obj["schema"], id, ifaceID)
	if err != nil {
		return "", err
	}
	payload := &CommandPayloadInfo{
		EntityInfo: EntityInfo{
			ID:          id,
			Kind:        KindCommandPayload,
			Name:        name,
			DisplayName: localized(obj["displayName"]),
			Description: localized(obj["description"]),
			DefinedIn:   ifaceID,
			ChildOf:     cmdID,
		},
		Schema: schema,
	}
	if err := p.add(payload); err != nil {
		return "", err
	}
	return id, nil
}

// schemaRef resolves a schema value to a reference string. Primitive names
// and DTMI references are returned as-is; inline complex schemas are parsed
// and their (possibly synthesized) ID returned.
func (p *parser) schemaRef(v any, ownerID, ifaceID string) (string, error) {
	switch s := v.(type) {
	case string:
		if s == "" {
			return "", p.errorf(ownerID, "empty schema")
		}
		return s, nil
	case map[string]any:
		return p.parseSchema(s, childID(ownerID, "schema", ""), ifaceID, ownerID)
	case nil:
		return "", p.errorf(ownerID, "missing schema")
	default:
		return "", p.errorf(ownerID, "invalid schema value")
	}
}

// parseSchema parses a complex schema (Object, Enum, Map or Array).
func (p *parser) parseSchema(obj map[string]any, defaultID, ifaceID, childOf string) (string, error) {
	id := stringField(obj, "@id")
	if id == "" {
		id = defaultID
	}
	types := typeList(obj["@type"])
	base := EntityInfo{
		ID:          id,
		DisplayName: localized(obj["displayName"]),
		Description: localized(obj["description"]),
		DefinedIn:   ifaceID,
		ChildOf:     childOf,
	}

	var entity Entity
	switch {
	case hasType(types, "Object"):
		base.Kind = KindObject
		object := &ObjectInfo{EntityInfo: base}
		for _, f := range asList(obj["fields"]) {
			fieldObj, ok := f.(map[string]any)
			if !ok {
				return "", p.errorf(id, "field is not an object")
			}
			fieldID, err := p.parseField(fieldObj, id, ifaceID)
			if err != nil {
				return "", err
			}
			object.Fields = append(object.Fields, fieldID)
		}
		entity = object

	case hasType(types, "Enum"):
		base.Kind = KindEnum
		enum := &EnumInfo{EntityInfo: base, ValueSchema: stringField(obj, "valueSchema")}
		for _, ev := range asList(obj["enumValues"]) {
			evObj, ok := ev.(map[string]any)
			if !ok {
				return "", p.errorf(id, "enum value is not an object")
			}
			name := stringField(evObj, "name")
			if name == "" {
				return "", p.errorf(id, "enum value without name")
			}
			evID := stringField(evObj, "@id")
			if evID == "" {
				evID = childID(id, "enumValues", name)
			}
			value := &EnumValueInfo{
				EntityInfo: EntityInfo{
					ID:          evID,
					Kind:        KindEnumValue,
					Name:        name,
					DisplayName: localized(evObj["displayName"]),
					DefinedIn:   ifaceID,
					ChildOf:     id,
				},
				Value: evObj["enumValue"],
			}
			if err := p.add(value); err != nil {
				return "", err
			}
			enum.Values = append(enum.Values, evID)
		}
		entity = enum

	case hasType(types, "Map"):
		base.Kind = KindMap
		key, _ := obj["mapKey"].(map[string]any)
		value, _ := obj["mapValue"].(map[string]any)
		if key == nil || value == nil {
			return "", p.errorf(id, "map requires mapKey and mapValue")
		}
		keySchema, err := p.schemaRef(key["schema"], childID(id, "mapKey", ""), ifaceID)
		if err != nil {
			return "", err
		}
		valueSchema, err := p.schemaRef(value["schema"], childID(id, "mapValue", ""), ifaceID)
		if err != nil {
			return "", err
		}
		entity = &MapInfo{EntityInfo: base, KeySchema: keySchema, ValueSchema: valueSchema}

	case hasType(types, "Array"):
		base.Kind = KindArray
		elem, err := p.schemaRef(obj["elementSchema"], id, ifaceID)
		if err != nil {
			return "", err
		}
		entity = &ArrayInfo{EntityInfo: base, ElementSchema: elem}

	default:
		return "", p.errorf(id, "unsupported schema type %v", types)
	}

	if err := p.add(entity); err != nil {
		return "", err
	}
	return id, nil
}

func (p *parser) parseField(obj map[string]any, objectID, ifaceID string) (string, error) {
	name := stringField(obj, "name")
	if name == "" {
		return "", p.errorf(objectID, "field without name")
	}
	id := stringField(obj, "@id")
	if id == "" {
		id = childID(objectID, "fields", name)
	}
	schema, err := p.schemaRef(obj["schema"], id, ifaceID)
	if err != nil {
		return "", err
	}
	field := &FieldInfo{
		EntityInfo: EntityInfo{
			ID:          id,
			Kind:        KindField,
			Name:        name,
			DisplayName: localized(obj["displayName"]),
			Description: localized(obj["description"]),
			DefinedIn:   ifaceID,
			ChildOf:     objectID,
		},
		Schema: schema,
	}
	if err := p.add(field); err != nil {
		return "", err
	}
	return id, nil
}

// contentKind picks the element type from an @type list. Semantic
// co-types such as "Temperature" are ignored.
func contentKind(types []string) EntityKind {
	for _, t := range types {
		switch EntityKind(t) {
		case KindProperty, KindTelemetry, KindCommand, KindComponent, KindRelationship:
			return EntityKind(t)
		}
	}
	return KindOther
}

// typeList normalises @type, which may be a string or an array of strings.
func typeList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// asList treats a single value as a one-element list.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// localized returns a plain string, the "en" entry of a language map, or
// the first entry by language code.
func localized(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["en"].(string); ok {
			return s
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := t[k].(string); ok {
				return s
			}
		}
	}
	return ""
}
