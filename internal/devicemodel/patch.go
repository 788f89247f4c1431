package devicemodel

// Component marker expected by IoT Plug and Play in component patches.
const (
	ComponentMarkerKey   = "__t"
	ComponentMarkerValue = "c"
)

// Patch is a fragment of a device twin's desired properties.
type Patch map[string]any

// PropertyPatch builds the desired-properties fragment that sets prop to value.
//
// A property of the root interface produces {prop: value}. A property
// reached through a component is wrapped with the component marker:
//
//	{"R700": {"__t": "c", "Hostname": {"hostname": "reader-1"}}}
//
// When the property's schema is an Object, value is assigned to the first
// field of the object. A property that belongs neither to the root
// interface nor to any component produces no patch.
func PropertyPatch(g *Graph, prop *PropertyInfo, value any) Patch {
	if prop == nil {
		return nil
	}
	comp, inComponent := g.ContainingComponent(prop)
	if !inComponent {
		if !g.InRoot(prop) {
			return nil
		}
		return Patch{prop.Name: value}
	}

	inner := value
	if e, ok := g.Get(prop.Schema); ok {
		if obj, ok := e.(*ObjectInfo); ok && len(obj.Fields) > 0 {
			if field, ok := g.Get(obj.Fields[0]); ok {
				inner = map[string]any{field.Info().Name: value}
			}
		}
	}

	return Patch{
		comp.Name: map[string]any{
			ComponentMarkerKey: ComponentMarkerValue,
			prop.Name:          inner,
		},
	}
}

// Merge deep-merges src into p. Nested objects are combined key by key;
// any other value in src replaces the one in p.
func (p Patch) Merge(src Patch) {
	mergeMaps(p, src)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := asMap(v); ok {
			if dv, ok := asMap(dst[k]); ok {
				mergeMaps(dv, sv)
				continue
			}
			clone := make(map[string]any, len(sv))
			mergeMaps(clone, sv)
			dst[k] = clone
			continue
		}
		dst[k] = v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Patch:
		return m, true
	}
	return nil, false
}
