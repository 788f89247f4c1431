package devicemodel

// ComponentSeparator joins a component name and a member name in the
// qualified form used for direct methods ("R700*Presets").
const ComponentSeparator = "*"

// Find returns the first entity of the given kind and name, in ascending
// ID order. A nil graph finds nothing.
func (g *Graph) Find(kind EntityKind, name string) (Entity, bool) {
	if g == nil {
		return nil, false
	}
	for _, e := range g.ordered {
		info := e.Info()
		if info.Kind == kind && info.Name == name {
			return e, true
		}
	}
	return nil, false
}

// FindAll returns every entity of the given kind and name. More than one
// result means the name is declared in several interfaces.
func (g *Graph) FindAll(kind EntityKind, name string) []Entity {
	if g == nil {
		return nil
	}
	var out []Entity
	for _, e := range g.ordered {
		info := e.Info()
		if info.Kind == kind && info.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// FindWritableProperty returns the first writable Property called name.
func (g *Graph) FindWritableProperty(name string) (*PropertyInfo, bool) {
	for _, e := range g.FindAll(KindProperty, name) {
		if p, ok := e.(*PropertyInfo); ok && p.Writable {
			return p, true
		}
	}
	return nil, false
}

// FindCommand returns the first Command called name.
func (g *Graph) FindCommand(name string) (*CommandInfo, bool) {
	e, ok := g.Find(KindCommand, name)
	if !ok {
		return nil, false
	}
	cmd, ok := e.(*CommandInfo)
	return cmd, ok
}

// FindInComponent returns the entity of the given kind and name that
// belongs to the named component. Use it when Find would be ambiguous.
func (g *Graph) FindInComponent(component string, kind EntityKind, name string) (Entity, bool) {
	e, ok := g.Find(KindComponent, component)
	if !ok {
		return nil, false
	}
	comp := e.(*ComponentInfo) //nolint:forcetypeassert // parser stores components as *ComponentInfo
	for _, candidate := range g.FindAll(kind, name) {
		if candidate.Info().ChildOf == comp.Schema {
			return candidate, true
		}
	}
	return nil, false
}

// ContainingComponent returns the component through which e is reached.
// Entities declared by the root interface have none. Otherwise the
// component is the one whose schema is the interface listing e, or, when
// no schema matches exactly, one whose schema extends that interface.
func (g *Graph) ContainingComponent(e Entity) (*ComponentInfo, bool) {
	if g == nil || e == nil {
		return nil, false
	}
	info := e.Info()
	if info.DefinedIn == g.root {
		return nil, false
	}
	components := g.OfKind(KindComponent)
	for _, c := range components {
		comp := c.(*ComponentInfo) //nolint:forcetypeassert // parser stores components as *ComponentInfo
		if comp.Schema == info.ChildOf {
			return comp, true
		}
	}
	for _, c := range components {
		comp := c.(*ComponentInfo) //nolint:forcetypeassert // parser stores components as *ComponentInfo
		if g.Inherits(comp.Schema, info.ChildOf) {
			return comp, true
		}
	}
	return nil, false
}

// InRoot reports whether e is a member of the root interface itself,
// declared there or inherited through extends.
func (g *Graph) InRoot(e Entity) bool {
	if g == nil || e == nil {
		return false
	}
	info := e.Info()
	return info.DefinedIn == g.root || g.Inherits(g.root, info.ChildOf)
}

// Inherits reports whether interface iface is target or extends it,
// directly or transitively.
func (g *Graph) Inherits(iface, target string) bool {
	if g == nil || iface == "" || target == "" {
		return false
	}
	seen := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == target {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		e, ok := g.Get(id)
		if !ok {
			return false
		}
		in, ok := e.(*InterfaceInfo)
		if !ok {
			return false
		}
		for _, ext := range in.Extends {
			if walk(ext) {
				return true
			}
		}
		return false
	}
	return walk(iface)
}

// QualifiedName returns "component*name" for a member of a component, or
// the plain name when component is nil.
func QualifiedName(e Entity, component *ComponentInfo) string {
	if component == nil {
		return e.Info().Name
	}
	return component.Name + ComponentSeparator + e.Info().Name
}
